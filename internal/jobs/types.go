package jobs

import "strings"

// Type is the wire name of a job. Unknown names are legal and flow through
// policy under their raw name.
type Type string

const (
	TypeSyncPush      Type = "sync_push"
	TypeRouterCheck   Type = "router_check"
	TypeRouterRestart Type = "router_restart"
	TypeVoucherUpsert Type = "voucher_upsert"
	TypeVoucherRedeem Type = "voucher_redeem"
	TypeDeviceRequest Type = "device_request"

	gcpPrefix = "gcp_"
)

// Kind is the closed set of job families. Every switch over Kind must list
// all of them; KindOther carries unrecognised types.
type Kind int

const (
	KindOther Kind = iota
	KindSyncPush
	KindRouter
	KindGCP
	KindVoucher
	KindDeviceRequest
)

func (k Kind) String() string {
	switch k {
	case KindSyncPush:
		return "sync_push"
	case KindRouter:
		return "router"
	case KindGCP:
		return "gcp"
	case KindVoucher:
		return "voucher"
	case KindDeviceRequest:
		return "device_request"
	case KindOther:
		return "other"
	}
	return "other"
}

// Kind classifies t.
func (t Type) Kind() Kind {
	switch t {
	case TypeSyncPush:
		return KindSyncPush
	case TypeRouterCheck, TypeRouterRestart:
		return KindRouter
	case TypeVoucherUpsert, TypeVoucherRedeem:
		return KindVoucher
	case TypeDeviceRequest:
		return KindDeviceRequest
	}
	if strings.HasPrefix(string(t), gcpPrefix) {
		return KindGCP
	}
	return KindOther
}

// FunctionID maps a job type onto its function catalog entry.
func (t Type) FunctionID() string {
	switch t.Kind() {
	case KindSyncPush:
		return "job_create_sync_push"
	case KindRouter:
		return "router_admin"
	case KindGCP:
		return "gcp_admin"
	case KindVoucher:
		return "voucher_discount_code"
	case KindDeviceRequest:
		return "device_request"
	case KindOther:
		return string(t)
	}
	return string(t)
}
