package schema

import (
	"errors"
	"strings"
)

// Sentinel errors for URN parsing.
var (
	ErrURNMissingDelimiter = errors.New("invalid URN format: missing '/' delimiter")
	ErrURNEmptyNamespace   = errors.New("invalid URN format: empty namespace")
	ErrURNEmptyName        = errors.New("invalid URN format: empty name")
)

const protocolSuffixLen = 3 // Length of "://" protocol suffix

// DatasetURN constructs a canonical URN from namespace and name components.
//
// Format: {namespace}/{name}
//
// The URN is the storage key for lineage edges and the lookup key for
// traversal. Always use this function for both writes and queries; never
// concatenate manually, or stored and queried keys can diverge.
//
// Examples:
//   - DatasetURN("postgres://warehouse", "analytics.orders")
//     → "postgres://warehouse/analytics.orders"
//   - DatasetURN("s3://raw", "/2026/01/orders.parquet") → "s3://raw//2026/01/orders.parquet"
//   - DatasetURN("metrics", "vis.coverage") → "metrics/vis.coverage"
func DatasetURN(namespace, name string) string {
	return namespace + "/" + name
}

// ParseDatasetURN parses a URN string into namespace and name components.
//
// The parser handles namespaces with and without "://" protocol prefixes:
// for URNs with "://" the delimiter is the first "/" after it, otherwise the
// first "/" overall.
//
// Examples:
//   - "postgres://warehouse/analytics.orders" → ("postgres://warehouse", "analytics.orders")
//   - "s3://raw//2026/01/orders.parquet" → ("s3://raw", "/2026/01/orders.parquet")
//   - "metrics/vis.coverage" → ("metrics", "vis.coverage")
func ParseDatasetURN(urn string) (string, string, error) {
	searchStart := 0

	if protocolIdx := strings.Index(urn, "://"); protocolIdx != -1 {
		searchStart = protocolIdx + protocolSuffixLen
	}

	delimiterIdx := strings.Index(urn[searchStart:], "/")
	if delimiterIdx == -1 {
		return "", "", ErrURNMissingDelimiter
	}

	delimiterIdx += searchStart

	namespace := urn[:delimiterIdx]
	name := urn[delimiterIdx+1:]

	if namespace == "" {
		return "", "", ErrURNEmptyNamespace
	}

	if name == "" {
		return "", "", ErrURNEmptyName
	}

	return namespace, name, nil
}
