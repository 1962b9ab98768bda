// Package openapi embeds the OpenAPI document of the admin and tracking API.
package openapi

import _ "embed"

//go:embed openapi.yaml
var Spec []byte
