package provide

import (
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestShim(t *testing.T) {
	table := Table{
		"$":             {Module: "jquery"},
		"jQuery":        {Module: "jquery"},
		"window.jQuery": {Module: "jquery"},
		"Popper":        {Module: "popper.js", Export: "default"},
	}

	expected := `import __provide_0 from "jquery";
import __provide_1 from "popper.js";
export { __provide_0 as $, __provide_1 as Popper, __provide_0 as jQuery, __provide_0 as "window.jQuery" };
`
	require.Equal(t, expected, string(table.Shim()))
	require.Equal(t, table.Shim(), table.Shim())
}

func TestShimNamedExport(t *testing.T) {
	table := Table{"createPopper": {Module: "@popperjs/core", Export: "createPopper"}}

	require.Equal(t, `import { createPopper as __provide_0 } from "@popperjs/core";
export { __provide_0 as createPopper };
`, string(table.Shim()))
}

func TestShimEmpty(t *testing.T) {
	require.Nil(t, Table{}.Shim())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		table   Table
		wantErr bool
	}{
		{name: "ok", table: Table{"$": {Module: "jquery"}, "window.jQuery": {Module: "jquery"}}},
		{name: "missing module", table: Table{"$": {}}, wantErr: true},
		{name: "bad symbol", table: Table{"1x": {Module: "x"}}, wantErr: true},
		{name: "bad dotted symbol", table: Table{"window.": {Module: "x"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.table.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestUnmarshalYAML(t *testing.T) {
	var table Table
	err := yaml.Unmarshal([]byte(`
$: jquery
Popper: [popper.js, default]
createPopper: "@popperjs/core#createPopper"
`), &table)
	require.NoError(t, err)
	require.Equal(t, Table{
		"$":            {Module: "jquery"},
		"Popper":       {Module: "popper.js", Export: "default"},
		"createPopper": {Module: "@popperjs/core", Export: "createPopper"},
	}, table)
}

func TestUnmarshalTOML(t *testing.T) {
	var doc struct {
		Provide Table `toml:"provide"`
	}
	err := toml.Unmarshal([]byte(`
[provide]
"$" = "jquery"
"window.jQuery" = "jquery"
Popper = "popper.js#default"
`), &doc)
	require.NoError(t, err)
	require.Equal(t, Table{
		"$":             {Module: "jquery"},
		"window.jQuery": {Module: "jquery"},
		"Popper":        {Module: "popper.js", Export: "default"},
	}, doc.Provide)
}
