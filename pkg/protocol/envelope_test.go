package protocol

import (
	"testing"
)

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "{nope"},
		{"missing type", `{"message_id":"m1","payload":{}}`},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.data)); err == nil {
				t.Errorf("Decode(%q) should fail", tc.data)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeDirected, RoleWeb, map[string]string{"msg": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if env.MessageID == "" {
		t.Error("MessageID should be assigned")
	}
	if env.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != TypeDirected || decoded.SourceRole != RoleWeb {
		t.Errorf("decoded envelope: %+v", decoded)
	}

	var payload map[string]string
	if err := decoded.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload["msg"] != "hi" {
		t.Errorf("payload: %+v", payload)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := &Envelope{Type: TypeHeartbeat}
	var v map[string]string
	if err := env.DecodePayload(&v); err == nil {
		t.Error("DecodePayload on an empty payload should fail")
	}
}

func TestRoleValid(t *testing.T) {
	for _, role := range []Role{RoleWeb, RoleBrowserExtension, RoleLocalInstall, RoleHybrid} {
		if !role.Valid() {
			t.Errorf("%q should be valid", role)
		}
	}
	for _, role := range []Role{"", "mainframe", "Web"} {
		if role.Valid() {
			t.Errorf("%q should be invalid", role)
		}
	}
}
