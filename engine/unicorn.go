//go:build unicorn

package engine

// Registers the "unicorn" machine kind.
import _ "github.com/colorfulnotion/dbt/machine/unicornvm"
