package validation

import (
	"testing"
)

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"alice", true},
		{"user_42", true},
		{"tenant:acct-7.prod", true},

		// Invalid cases
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{string(make([]byte, 200)), false}, // Too long
	}

	for _, tc := range tests {
		result := IsValidUserID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidUserID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidDeviceID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"a1b2c3d4e5f60718", true},
		{"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", true},

		// Invalid
		{"", false},
		{"short", false},
		{"A1B2C3D4E5F60718", false}, // Uppercase hex not produced by the fingerprinter
		{"zzzzzzzzzzzzzzzz", false},
	}

	for _, tc := range tests {
		result := IsValidDeviceID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidDeviceID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidIP(t *testing.T) {
	tests := []struct {
		ip    string
		valid bool
	}{
		{"192.0.2.1", true},
		{"2001:db8::1", true},
		{"", false},
		{"999.1.1.1", false},
		{"not-an-ip", false},
	}

	for _, tc := range tests {
		if IsValidIP(tc.ip) != tc.valid {
			t.Errorf("IsValidIP(%q) = %v, want %v", tc.ip, !tc.valid, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("userId", "alice"),
		ValidIP("ip", "192.0.2.1"),
		NonNegativeAmount("amount", 10.5),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("userId", ""),
		ValidIP("ip", "bogus"),
		NonNegativeAmount("amount", -1),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
