package logging

import "testing"

func TestMaskFieldRedactsEndpointKeys(t *testing.T) {
	attr := MaskField("peer_address", "203.0.113.7:7650")
	if got := attr.Value.String(); got != RedactedValue {
		t.Fatalf("peer_address leaked: %q", got)
	}
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	attr := MaskField("component", "handshake")
	if got := attr.Value.String(); got != "handshake" {
		t.Fatalf("allowlisted key masked: %q", got)
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := MaskField("peer_address", "")
	if got := attr.Value.String(); got != "" {
		t.Fatalf("empty value rewritten: %q", got)
	}
}

func TestIsAllowlistedNormalizes(t *testing.T) {
	if !IsAllowlisted("  Component ") {
		t.Fatalf("allowlist lookup is not normalized")
	}
	if IsAllowlisted("peer_address") {
		t.Fatalf("endpoint key must not be allowlisted")
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("203.0.113.7:7650"); got != RedactedValue {
		t.Fatalf("value leaked: %q", got)
	}
	if got := MaskValue("   "); got != "   " {
		t.Fatalf("blank value rewritten: %q", got)
	}
}

func TestRedactionAllowlistExcludesEndpoints(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		switch key {
		case "peer_address", "listen_address", "node_address":
			t.Fatalf("endpoint key %q found in the allowlist", key)
		}
	}
}
