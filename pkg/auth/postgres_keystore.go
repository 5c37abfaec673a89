package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mediagate/pkg/models"
)

type keyStoreDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresKeyStore reads meta_app. Writes (registration, rotation, status
// changes) are administrative and happen elsewhere.
type PostgresKeyStore struct {
	DB keyStoreDB
}

const appColumns = `id::text, name, COALESCE(domain,''), COALESCE(public_key,''), COALESCE(private_key,''),
	key_version, COALESCE(sign_type,''), COALESCE(sign_config::text,''), rate_limit, status`

func (s *PostgresKeyStore) Lookup(ctx context.Context, appID string) (*models.AppCredential, error) {
	appID = normalizeAppID(appID)
	if appID == "" {
		return nil, ErrUnknownApplication
	}
	var row pgx.Row
	if id, err := uuid.Parse(appID); err == nil {
		row = s.DB.QueryRow(ctx, `SELECT `+appColumns+` FROM meta_app WHERE id=$1`, id.String())
	} else {
		row = s.DB.QueryRow(ctx, `SELECT `+appColumns+` FROM meta_app WHERE name=$1`, appID)
	}
	var (
		cred      models.AppCredential
		signCfg   string
		statusRaw int
	)
	if err := row.Scan(&cred.ID, &cred.Name, &cred.Domain, &cred.PublicKey, &cred.PrivateKey,
		&cred.KeyVersion, &cred.SignType, &signCfg, &cred.RateLimit, &statusRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, appID)
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	cfg, err := models.ParseSignConfig([]byte(signCfg))
	if err != nil {
		return nil, fmt.Errorf("%w: sign_config for %s: %v", ErrKeyStoreUnavailable, cred.Name, err)
	}
	cred.SignConfig = cfg
	cred.Status = models.AppStatus(statusRaw)
	if err := checkStatus(&cred); err != nil {
		return nil, err
	}
	return &cred, nil
}
