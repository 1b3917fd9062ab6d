package schema

import (
	"errors"
	"testing"
)

func TestDatasetURN_RoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		namespace string
		dataset   string
		wantURN   string
	}{
		{"protocol namespace", "postgres://warehouse", "analytics.orders", "postgres://warehouse/analytics.orders"},
		{"path-like name", "s3://raw", "/2026/01/orders.parquet", "s3://raw//2026/01/orders.parquet"},
		{"bare namespace", "metrics", "vis.coverage", "metrics/vis.coverage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			urn := DatasetURN(tt.namespace, tt.dataset)
			if urn != tt.wantURN {
				t.Fatalf("DatasetURN() = %q, want %q", urn, tt.wantURN)
			}

			namespace, name, err := ParseDatasetURN(urn)
			if err != nil {
				t.Fatalf("ParseDatasetURN(%q) error = %v", urn, err)
			}

			if namespace != tt.namespace || name != tt.dataset {
				t.Errorf("ParseDatasetURN(%q) = (%q, %q), want (%q, %q)",
					urn, namespace, name, tt.namespace, tt.dataset)
			}
		})
	}
}

func TestParseDatasetURN_Invalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		urn     string
		wantErr error
	}{
		{"no delimiter", "orders", ErrURNMissingDelimiter},
		{"protocol only", "postgres://warehouse", ErrURNMissingDelimiter},
		{"empty namespace", "/orders", ErrURNEmptyNamespace},
		{"empty name", "metrics/", ErrURNEmptyName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseDatasetURN(tt.urn)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseDatasetURN(%q) = %v, want %v", tt.urn, err, tt.wantErr)
			}
		})
	}
}

func TestDatasetRef_URN(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ref := DatasetRef{Namespace: "postgres://warehouse", Name: "public.orders"}
	if got := ref.URN(); got != "postgres://warehouse/public.orders" {
		t.Errorf("URN() = %q", got)
	}
}
