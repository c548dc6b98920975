package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/store"
	"github.com/rcourtman/subledger/internal/billing/verify/verifytest"
	"github.com/rcourtman/subledger/internal/config"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProducts = `[{"price_id":"price_month","tier":"month","amount":"9.99","currency":"usd"}]`

func setTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SUBLEDGER_STRIPE_WEBHOOK_SECRET", "whsec_cmd_test")
	t.Setenv("SUBLEDGER_ENTITLEMENTS_BASE_URL", "http://entitlements.internal")
	t.Setenv("SUBLEDGER_PRODUCTS", testProducts)
	t.Setenv("SUBLEDGER_DATA_DIR", dir)
	t.Setenv("SUBLEDGER_LOG_LEVEL", "error")
	return dir
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	upgradeActive = false
	t.Cleanup(func() {
		configPath = ""
		upgradeActive = false
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "Subledger 1.2.3")
	assert.Contains(t, output, "Built: 2026-01-01")
	assert.Contains(t, output, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	output, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "Subledger 1.2.3")
	assert.NotContains(t, output, "Built:")
	assert.NotContains(t, output, "Commit:")
}

func TestValidateUpgradeCmd(t *testing.T) {
	output, err := execute(t, "validate-upgrade", "month", "year", "--active")
	require.NoError(t, err)
	assert.Contains(t, output, "allowed: month -> year (active=true)")

	output, err = execute(t, "validate-upgrade", "year", "week")
	require.NoError(t, err)
	assert.Contains(t, output, "active=false")

	_, err = execute(t, "validate-upgrade", "year", "week", "--active")
	require.Error(t, err)
	assert.Equal(t, berrors.KindUpgradePath, berrors.KindOf(err))

	_, err = execute(t, "validate-upgrade", "month", "fortnight")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plan tier")

	_, err = execute(t, "validate-upgrade", "month")
	assert.Error(t, err)
}

func TestReplayCmdPrintsProjection(t *testing.T) {
	dir := setTestEnv(t)

	s, err := store.OpenSQLite(filepath.Join(dir, "ledger"))
	require.NoError(t, err)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(context.Background(), "user-1", 0, []ledger.Entry{
		ledger.NewEntry("user-1", 1, at, ledger.CustomerIDSet{CustomerID: "cus_123", At: at}),
	}))
	require.NoError(t, s.Close())

	output, err := execute(t, "replay", "user-1")
	require.NoError(t, err)

	var proj struct {
		UserID string `json:"user_id"`
		Seq    int64  `json:"seq"`
		Book   struct {
			Customer struct {
				CustomerID string `json:"customer_id"`
			} `json:"customer"`
		} `json:"book"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &proj))
	assert.Equal(t, "user-1", proj.UserID)
	assert.Equal(t, int64(1), proj.Seq)
	assert.Equal(t, "cus_123", proj.Book.Customer.CustomerID)
}

func TestReplayCmdUnknownUser(t *testing.T) {
	setTestEnv(t)

	output, err := execute(t, "replay", "nobody")
	require.NoError(t, err)
	assert.Contains(t, output, `"user_id": "nobody"`)
	assert.Contains(t, output, `"seq": 0`)
}

func TestReplayCmdRequiresConfig(t *testing.T) {
	t.Setenv("SUBLEDGER_DATA_DIR", t.TempDir())
	_, err := execute(t, "replay", "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entitlements.base_url")
}

func TestBuildVerifiers(t *testing.T) {
	cfg := &config.Config{Stripe: config.StripeConfig{WebhookSecret: "whsec_1", Tolerance: time.Minute}}
	verifiers, err := buildVerifiers(cfg)
	require.NoError(t, err)
	assert.Contains(t, verifiers, ledger.PlatformCardProcessor)
	assert.NotContains(t, verifiers, ledger.PlatformAppStore)

	chain := verifytest.NewChain(t)
	rootPath := filepath.Join(t.TempDir(), "root.cer")
	require.NoError(t, os.WriteFile(rootPath, chain.Root.Cert.Raw, 0o600))
	cfg.AppStore = config.AppStoreConfig{RootCertPath: rootPath, RevocationCheck: true, RevocationTimeout: time.Second}
	verifiers, err = buildVerifiers(cfg)
	require.NoError(t, err)
	assert.Contains(t, verifiers, ledger.PlatformAppStore)

	cfg.AppStore.RootCertPath = filepath.Join(t.TempDir(), "missing.cer")
	_, err = buildVerifiers(cfg)
	assert.Error(t, err)
}

func TestBuildServiceWiresOptionalCollaborators(t *testing.T) {
	setTestEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	ctx := context.Background()
	svc, err := buildService(ctx, cfg)
	require.NoError(t, err)
	defer svc.close(ctx)

	assert.NotNil(t, svc.orchestrator)
	assert.Nil(t, svc.analytics)
	require.NoError(t, svc.store.Ping(ctx))
}

func TestBuildServiceRejectsBadCollaborator(t *testing.T) {
	setTestEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Referrals.BaseURL = "ftp://referrals"

	_, err = buildService(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "referral client")
}
