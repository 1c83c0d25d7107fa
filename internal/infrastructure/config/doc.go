// Package config loads and validates the shared Alicia substrate
// configuration.
//
// All substrate services read the same Config shape; each binary uses the
// sections relevant to it. Values come from (in order of precedence)
// environment variables, a YAML file, and built-in defaults.
//
// The config file is located via (first match wins):
//  1. The -config command line flag
//  2. The ALICIA_CONFIG environment variable
//  3. ./config.yaml
package config
