package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidIdentity(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"buyer-1", true},
		{"agent_42", true},
		{"user:abc.def", true},
		{"A1", true},
		{strings.Repeat("a", 128), true},

		// Invalid cases
		{"", false},
		{"-leading-dash", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 129), false},
	}

	for _, tc := range tests {
		result := IsValidIdentity(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidIdentity(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidTransactionID(t *testing.T) {
	if !IsValidTransactionID("tx_0190a1b2c3d4") {
		t.Error("expected tx id to be valid")
	}
	if IsValidTransactionID("tx/../etc") {
		t.Error("expected path characters to be rejected")
	}
}

func TestSanitizeIdentity(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"buyer-1", "buyer-1"},
		{"  Agent-7  ", "agent-7"},
		{"MIXED_Case", "mixed_case"},
	}

	for _, tc := range tests {
		result := SanitizeIdentity(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeIdentity(%q) = %q, want %q", tc.input, result, tc.expected)
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
	errors := Validate(
		Required("agentId", "agent-1"),
		ValidIdentity("agentId", "agent-1"),
		QuantityRange("quantity", 500, 10, 10000),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	errors = Validate(
		Required("agentId", ""),
		ValidIdentity("buyerId", "bad id"),
		QuantityRange("quantity", 9, 10, 10000),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
	if errors.Error() != "agentId: is required" {
		t.Errorf("unexpected error text %q", errors.Error())
	}
}

func TestQuantityRange(t *testing.T) {
	tests := []struct {
		value int64
		valid bool
	}{
		{10, true},
		{10000, true},
		{999, true},
		{9, false},
		{10001, false},
		{0, false},
		{-5, false},
	}

	for _, tc := range tests {
		err := QuantityRange("quantity", tc.value, 10, 10000)()
		if (err == nil) != tc.valid {
			t.Errorf("QuantityRange(%d) valid=%v, want %v", tc.value, err == nil, tc.valid)
		}
	}
}

func TestValidPrice(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.5", true},
		{"250", true},
		{"", true},

		// Invalid
		{"0", false},
		{"-1.00", false},
		{"abc", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidPrice("pricePerCoin", tc.value)()
		if (err == nil) != tc.valid {
			t.Errorf("ValidPrice(%q) valid=%v, want %v", tc.value, err == nil, tc.valid)
		}
	}
}

func TestOneOf(t *testing.T) {
	if err := OneOf("paymentMethod", "cash", "mobile_money", "bank_transfer", "cash")(); err != nil {
		t.Errorf("expected cash to be allowed, got %v", err)
	}
	err := OneOf("paymentMethod", "crypto", "mobile_money", "bank_transfer", "cash")()
	if err == nil {
		t.Fatal("expected crypto to be rejected")
	}
	if !strings.Contains(err.Message, "mobile_money") {
		t.Errorf("message should list allowed values, got %q", err.Message)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 10)(); err != nil {
		t.Error("Expected no error for string under limit")
	}
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/agents/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/agent-1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/bad%20id", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: expected 400, got %d", w.Code)
	}
}
