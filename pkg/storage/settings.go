package storage

import (
	"encoding/json"
	"fmt"
)

// Reserved settings singleton keys.
const (
	SettingDNS                = "dns_settings"
	SettingProtectionPause    = "protection_pause"
	SettingAuthAdmin          = "auth_admin"
	SettingDiscoverySettings  = "discovery_settings"
	SettingDNSRewrites        = "dns_rewrites"
	SettingNotificationEvents = "notification_events"
	SettingDiscordWebhook     = "discord_webhook"
)

// ClusterSettingPrefix and SecretPrefix mark keys a cluster snapshot export
// must never include.
const (
	ClusterSettingPrefix = "cluster_"
	SecretPrefix         = "secret:"
)

// ForwardSettings selects the upstream transport and its timeout.
type ForwardSettings struct {
	Transport  string `json:"transport"` // udp, tcp, dot, doh
	DoHURL     string `json:"dohUrl,omitempty"`
	PreferIPv4 bool   `json:"preferIPv4"`
}

// DNSSettings is the decoded shape of the "dns_settings" singleton.
type DNSSettings struct {
	Forward              ForwardSettings `json:"forward"`
	ShadowResolveBlocked  bool            `json:"shadowResolveBlocked"`
}

// AdminSession is one active admin login session.
type AdminSession struct {
	Token     string `json:"token"`
	CreatedAt string `json:"createdAt"`
}

// AuthAdmin is the decoded shape of the "auth_admin" singleton.
type AuthAdmin struct {
	PasswordHash string         `json:"passwordHash"`
	Sessions     []AdminSession `json:"sessions"`
}

// SettingKind discriminates the typed sum over known setting keys, with
// KindOpaque as the fallback for anything not yet modeled. This replaces
// runtime-typed JSON values with a strongly-typed read path; keys outside
// the known set still round-trip via the Opaque branch.
type SettingKind int

const (
	KindOpaque SettingKind = iota
	KindDNSSettings
	KindAuthAdmin
)

// SettingValue is the normalized, decoded form of a settings row.
type SettingValue struct {
	Kind   SettingKind
	DNS    *DNSSettings
	Auth   *AuthAdmin
	Opaque json.RawMessage
}

// DecodeSetting normalizes a raw stored value according to its key.
func DecodeSetting(key, raw string) (SettingValue, error) {
	switch key {
	case SettingDNS:
		var v DNSSettings
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return SettingValue{}, fmt.Errorf("decoding dns_settings: %w", err)
		}
		return SettingValue{Kind: KindDNSSettings, DNS: &v}, nil
	case SettingAuthAdmin:
		var v AuthAdmin
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return SettingValue{}, fmt.Errorf("decoding auth_admin: %w", err)
		}
		return SettingValue{Kind: KindAuthAdmin, Auth: &v}, nil
	default:
		return SettingValue{Kind: KindOpaque, Opaque: json.RawMessage(raw)}, nil
	}
}

// Encode serializes a SettingValue back to its storage representation.
func Encode(sv SettingValue) (string, error) {
	var data []byte
	var err error
	switch sv.Kind {
	case KindDNSSettings:
		data, err = json.Marshal(sv.DNS)
	case KindAuthAdmin:
		data, err = json.Marshal(sv.Auth)
	default:
		data = sv.Opaque
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
