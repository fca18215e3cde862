package api

import _ "embed"

// OpenAPI is the ledger service's HTTP contract, served at /docs
//
//go:embed openapi.yaml
var OpenAPI []byte
