package identity

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"27821234567", "27821234567"},
		{"27821234567:12", "27821234567"},
		{"27821234567@s.whatsapp.net", "27821234567@s.whatsapp.net"},
		{"27821234567:12@s.whatsapp.net", "27821234567@s.whatsapp.net"},
		{"27821234567.0:12@S.WHATSAPP.NET", "27821234567@s.whatsapp.net"},
		{"249786758348836@lid", "249786758348836@lid"},
		{"249786758348836:4@LID", "249786758348836@lid"},
		{"@s.whatsapp.net", ""},
		{"1234@", ""},
	}

	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"27821234567:12@s.whatsapp.net",
		"249786758348836@lid",
		"27821234567",
		"Weird:1.2@MiXeD.Case",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}

func TestRegisterAliasing(t *testing.T) {
	r := NewRegistry()
	r.Register("27821234567:3@s.whatsapp.net", "test")

	// Both textual forms of the same account resolve to self.
	forms := []string{
		"27821234567@s.whatsapp.net",
		"27821234567:99@s.whatsapp.net",
		"27821234567",
	}
	for _, f := range forms {
		if !r.IsSelf(f) {
			t.Errorf("IsSelf(%q) = false after registering qualified form", f)
		}
	}

	if r.IsSelf("27829999999@s.whatsapp.net") {
		t.Error("unrelated account must not be self")
	}
}

func TestRegisterBareForm(t *testing.T) {
	r := NewRegistry()
	r.Register("249786758348836", "test")

	if !r.IsSelf("249786758348836@lid") {
		t.Error("bare registration should match the qualified form by user")
	}

	// Bare registration only populates selfUsers.
	users, jids := r.Size()
	if users != 1 || jids != 0 {
		t.Errorf("unexpected sizes: users=%d jids=%d", users, jids)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register("1@lid", "a")
	r.Register("1@lid", "b")
	r.Register("1:5@lid", "c")

	users, jids := r.Size()
	if users != 1 || jids != 1 {
		t.Errorf("duplicate registrations grew the sets: users=%d jids=%d", users, jids)
	}
}

func TestRegisterBlankNoop(t *testing.T) {
	r := NewRegistry()
	r.Register("", "test")
	r.Register("  ", "test")
	r.Register("@lid", "test")

	users, jids := r.Size()
	if users != 0 || jids != 0 {
		t.Errorf("blank input registered: users=%d jids=%d", users, jids)
	}
	if r.IsSelf("") {
		t.Error("IsSelf(\"\") must be false")
	}
}
