package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/opshub/internal/config"
	"github.com/danmuck/opshub/internal/jobs"
	"github.com/danmuck/opshub/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type fixture struct {
	accounts map[string]any
	catalog  map[string]any
	receipts map[string]any
}

func writePolicy(t *testing.T, f fixture) config.PolicyPaths {
	t.Helper()
	dir := t.TempDir()
	paths := config.PolicyPaths{
		AccountPermissions: filepath.Join(dir, config.AccountPermissionsFile),
		FunctionCatalog:    filepath.Join(dir, config.FunctionCatalogFile),
		ConsentReceipts:    filepath.Join(dir, config.ConsentReceiptsFile),
	}
	write := func(path string, v any) {
		if v == nil {
			return
		}
		data, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
	write(paths.AccountPermissions, f.accounts)
	write(paths.FunctionCatalog, f.catalog)
	write(paths.ConsentReceipts, f.receipts)
	return paths
}

func accounts(entries map[string]any) map[string]any {
	return map[string]any{"accounts": entries}
}

func standardCatalog() map[string]any {
	return map[string]any{
		"functions": map[string]any{
			"job_create_sync_push":  map[string]any{"risk_level": "low"},
			"router_admin":          map[string]any{"risk_level": "medium"},
			"gcp_admin":             map[string]any{"risk_level": "critical"},
			"voucher_discount_code": map[string]any{"risk_level": "high", "consent_scope": "vouchers"},
			"device_request":        map[string]any{"risk_level": "LOW"},
			"odd_function":          map[string]any{"risk_level": "spicy"},
		},
		"node_agents": map[string]any{
			"node-kiosk": map[string]any{"allowed_function_ids": []string{"device_request"}},
			"node-open":  map[string]any{"allowed_function_ids": []string{}},
		},
	}
}

func syncJob(account string) jobs.Job {
	return jobs.Job{ID: "job-1", Type: jobs.TypeSyncPush, RequesterAccountID: account}
}

func newEngine(paths config.PolicyPaths) *Engine {
	return NewEngine(NewStore(paths), WithClock(func() time.Time { return fixedNow }))
}

func TestStoreDegradesToEmptyDefaults(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{nope"), 0o644))

	s := NewStore(config.PolicyPaths{
		AccountPermissions: bad,
		FunctionCatalog:    filepath.Join(dir, "missing.json"),
		ConsentReceipts:    "",
	})
	require.Empty(t, s.AccountPermissions("acc-1"))
	require.Empty(t, s.FunctionCatalog())
	require.Empty(t, s.NodeAllowedFunctions("node-1"))
	require.Equal(t, StageRestricted, s.AccountPermissionStage("acc-1", true))
	require.False(t, s.ConsentEffective("acc-1", "vouchers", fixedNow))
}

func TestStoreLookups(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{
			"acc-1": map[string]any{"permissions": []string{"job_create", "job_create", " ", "gcp_admin"}},
		}),
		catalog: standardCatalog(),
	})
	s := NewStore(paths)

	require.Equal(t, []string{"gcp_admin", "job_create"}, s.AccountPermissions("acc-1"))
	require.Equal(t, []string{"device_request"}, s.NodeAllowedFunctions("node-kiosk"))

	catalog := s.FunctionCatalog()
	require.Equal(t, RiskLow, catalog["device_request"].RiskLevel)
	require.Equal(t, RiskUnknown, catalog["odd_function"].RiskLevel)
	require.Equal(t, "vouchers", catalog["voucher_discount_code"].ConsentScope)
}

func TestStoreRereadsOnEveryCall(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{accounts: accounts(map[string]any{})})
	s := NewStore(paths)
	require.Empty(t, s.AccountPermissions("acc-1"))

	data, err := json.Marshal(accounts(map[string]any{"acc-1": map[string]any{"permissions": []string{"job_create"}}}))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.AccountPermissions, data, 0o644))
	require.Equal(t, []string{"job_create"}, s.AccountPermissions("acc-1"))
}

func TestPermissionStage(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{accounts: accounts(map[string]any{
		"founder":  map[string]any{"permissions": []string{}, "founder": true},
		"marker":   map[string]any{"permissions": []string{}, "founder_marker": "chair"},
		"admin":    map[string]any{"permissions": []string{"admin_all"}},
		"operator": map[string]any{"permissions": []string{"job_create"}},
	})})
	s := NewStore(paths)

	require.Equal(t, StageFounder, s.AccountPermissionStage("founder", true))
	require.Equal(t, StageAdmin, s.AccountPermissionStage("founder", false))
	require.Equal(t, StageFounder, s.AccountPermissionStage("marker", true))
	require.Equal(t, StageAdmin, s.AccountPermissionStage("admin", true))
	require.Equal(t, StageRestricted, s.AccountPermissionStage("operator", true))
	require.Equal(t, StageRestricted, s.AccountPermissionStage("nobody", true))
}

func TestConsentEffective(t *testing.T) {
	testlog.Start(t)
	future := fixedNow.Add(time.Hour).Unix()
	past := fixedNow.Add(-time.Hour).Unix()
	paths := writePolicy(t, fixture{receipts: map[string]any{"receipts": map[string]any{
		"granted":   map[string]any{"scope": "vouchers", "granted": true, "expires_at_epoch": future},
		"noexpiry":  map[string]any{"scope": "vouchers", "granted": true},
		"expired":   map[string]any{"scope": "vouchers", "granted": true, "expires_at_epoch": past},
		"revoked":   map[string]any{"scope": "vouchers", "granted": true, "revoked_at": "2026-09-01T00:00:00Z"},
		"ungranted": map[string]any{"scope": "vouchers", "granted": false},
	}}})
	s := NewStore(paths)

	require.True(t, s.ConsentEffective("granted", "vouchers", fixedNow))
	require.True(t, s.ConsentEffective("noexpiry", "vouchers", fixedNow))
	require.False(t, s.ConsentEffective("granted", "drive_backup", fixedNow))
	require.False(t, s.ConsentEffective("expired", "vouchers", fixedNow))
	require.False(t, s.ConsentEffective("revoked", "vouchers", fixedNow))
	require.False(t, s.ConsentEffective("ungranted", "vouchers", fixedNow))
	require.False(t, s.ConsentEffective("missing", "vouchers", fixedNow))
}

func TestDecideStage1SyncPushAllowed(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"acc-1": map[string]any{"permissions": []string{"job_create"}}}),
		catalog:  standardCatalog(),
	})
	d := newEngine(paths).Decide(Input{Job: syncJob("acc-1")})

	require.True(t, d.OK)
	require.Equal(t, ReasonAllowed, d.Reason)
	require.False(t, d.RequiresConfirm)
	require.Equal(t, StageRestricted, d.PermissionStage)
	require.Equal(t, "job_create_sync_push", d.FunctionID)
	require.Equal(t, RiskLow, d.RiskLevel)
}

func TestDecideMissingPermissionNamesIt(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"acc-1": map[string]any{"permissions": []string{}}}),
		catalog:  standardCatalog(),
	})
	d := newEngine(paths).Decide(Input{Job: syncJob("acc-1")})

	require.False(t, d.OK)
	require.Equal(t, "missing_permission:job_create", d.Reason)
}

func TestDecideMissingRequester(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{catalog: standardCatalog()})
	d := newEngine(paths).Decide(Input{Job: syncJob("")})

	require.False(t, d.OK)
	require.Equal(t, ReasonMissingRequester, d.Reason)
}

func TestDecideNodeAllowlist(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"acc-1": map[string]any{"permissions": []string{"job_create"}}}),
		catalog:  standardCatalog(),
	})
	engine := newEngine(paths)

	job := syncJob("acc-1")
	job.Node = &jobs.Node{NodeID: "node-kiosk"}
	d := engine.Decide(Input{Job: job})
	require.False(t, d.OK)
	require.Equal(t, ReasonFunctionNotAllowedForNode, d.Reason)

	job.Node = &jobs.Node{NodeID: "node-open"}
	require.True(t, engine.Decide(Input{Job: job}).OK, "empty allowlist does not restrict")

	job.Node = &jobs.Node{NodeID: "node-unknown"}
	require.True(t, engine.Decide(Input{Job: job}).OK)

	device := jobs.Job{ID: "job-2", Type: jobs.TypeDeviceRequest, RequesterAccountID: "acc-1", Node: &jobs.Node{NodeID: "node-kiosk"}}
	require.True(t, engine.Decide(Input{Job: device}).OK)
}

func TestDecideFunctionNotInCatalog(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"admin": map[string]any{"permissions": []string{"admin_all"}}}),
		catalog:  standardCatalog(),
	})
	d := newEngine(paths).Decide(Input{Job: jobs.Job{ID: "j", Type: "odoo_restore", RequesterAccountID: "admin"}})
	require.False(t, d.OK)
	require.Equal(t, ReasonFunctionNotInCatalog, d.Reason)
	require.Equal(t, "odoo_restore", d.FunctionID)
	require.Equal(t, StageAdmin, d.PermissionStage)
}

func TestDecideConsentStage1DeniesStage2Allows(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{
			"treasurer": map[string]any{"permissions": []string{"voucher_admin"}},
			"admin":     map[string]any{"permissions": []string{"admin_all"}},
		}),
		catalog: standardCatalog(),
	})
	engine := newEngine(paths)

	stage1 := engine.Decide(Input{Job: jobs.Job{ID: "j", Type: jobs.TypeVoucherUpsert, RequesterAccountID: "treasurer"}})
	require.False(t, stage1.OK)
	require.Equal(t, "consent_required:vouchers", stage1.Reason)
	require.Equal(t, StageRestricted, stage1.PermissionStage)

	stage2 := engine.Decide(Input{Job: jobs.Job{ID: "j", Type: jobs.TypeVoucherUpsert, RequesterAccountID: "admin"}})
	require.True(t, stage2.OK)
	require.Equal(t, StageAdmin, stage2.PermissionStage)
	require.Equal(t, "vouchers", stage2.RequiresConsentScope)
	require.False(t, stage2.RequiresConfirm, "stage 2 confirms only critical risk")
}

func TestDecideConsentSatisfiedAtStage1(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"treasurer": map[string]any{"permissions": []string{"voucher_admin"}}}),
		catalog:  standardCatalog(),
		receipts: map[string]any{"receipts": map[string]any{
			"treasurer": map[string]any{"scope": "vouchers", "granted": true},
		}},
	})
	d := newEngine(paths).Decide(Input{Job: jobs.Job{ID: "j", Type: jobs.TypeVoucherRedeem, RequesterAccountID: "treasurer"}})
	require.True(t, d.OK)
	require.True(t, d.RequiresConfirm, "high risk requires confirm at stage 1")
}

func TestDecideRequiresConfirmByStage(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{
			"netops": map[string]any{"permissions": []string{"router_admin", "gcp_admin"}},
			"admin":  map[string]any{"permissions": []string{"admin_all"}},
		}),
		catalog: standardCatalog(),
	})
	engine := newEngine(paths)

	router := jobs.Job{ID: "j", Type: jobs.TypeRouterRestart, RequesterAccountID: "netops"}
	require.True(t, engine.Decide(Input{Job: router}).RequiresConfirm)
	router.RequesterAccountID = "admin"
	require.False(t, engine.Decide(Input{Job: router}).RequiresConfirm)

	gcp := jobs.Job{ID: "j", Type: "gcp_vm_stop", RequesterAccountID: "admin"}
	d := engine.Decide(Input{Job: gcp})
	require.True(t, d.OK)
	require.True(t, d.RequiresConfirm)
	require.Equal(t, RiskCritical, d.RiskLevel)
}

func TestDecideStage2RequiresAdminAll(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"founder": map[string]any{"permissions": []string{"job_create"}, "founder": true}}),
		catalog:  standardCatalog(),
	})
	job := syncJob("founder")
	d := newEngine(paths).Decide(Input{Job: job})

	require.False(t, d.OK)
	require.Equal(t, StageAdmin, d.PermissionStage)
	require.Equal(t, ReasonStage2AdminAllRequired, d.Reason)
}

func TestDecideStage3Override(t *testing.T) {
	testlog.Start(t)
	// empty catalog: a stage-3 grant must not consult it
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"founder": map[string]any{"permissions": []string{}, "founder": true}}),
	})
	engine := newEngine(paths)

	job := jobs.Job{ID: "j", Type: "odoo_restore", RequesterAccountID: "founder", BiometricVerified: true, Node: &jobs.Node{NodeID: "node-kiosk"}}
	d := engine.Decide(Input{Job: job, BiometricVerified: true})
	require.True(t, d.OK)
	require.Equal(t, StageFounder, d.PermissionStage)
	require.Equal(t, RiskBypassed, d.RiskLevel)
	require.Equal(t, ReasonAllowedStage3Override, d.Reason)
	require.False(t, d.RequiresConfirm)
}

func TestDecideStage3WithoutSecondBiometricConfirmation(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"founder": map[string]any{"permissions": []string{"admin_all"}, "founder": true}}),
		catalog:  standardCatalog(),
	})
	job := syncJob("founder")
	job.BiometricVerified = true
	d := newEngine(paths).Decide(Input{Job: job, BiometricVerified: false})

	require.False(t, d.OK)
	require.Equal(t, StageFounder, d.PermissionStage, "never silently downgraded mid-decision")
	require.Equal(t, ReasonStage3BiometricRequired, d.Reason)
}

func TestDecideIsReferentiallyTransparent(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"acc-1": map[string]any{"permissions": []string{"job_create"}}}),
		catalog:  standardCatalog(),
	})
	engine := newEngine(paths)
	in := Input{Job: syncJob("acc-1")}
	first := engine.Decide(in)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, engine.Decide(in))
	}
}

func TestCustomAuthorizerChain(t *testing.T) {
	testlog.Start(t)
	paths := writePolicy(t, fixture{
		accounts: accounts(map[string]any{"acc-1": map[string]any{"permissions": []string{"job_create"}}}),
		catalog:  standardCatalog(),
	})
	quietHours := AuthorizerFunc(func(req *Request) string {
		if req.Now.Hour() >= 12 {
			return "outside_maintenance_window"
		}
		return ""
	})
	engine := NewEngine(NewStore(paths),
		WithClock(func() time.Time { return fixedNow }),
		WithAuthorizer(append(DefaultChain(), quietHours)),
	)
	d := engine.Decide(Input{Job: syncJob("acc-1")})
	require.False(t, d.OK)
	require.Equal(t, "outside_maintenance_window", d.Reason)
}
