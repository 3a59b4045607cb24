package config

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// loadHCLConfig loads an HCL configuration file. The file uses top-level
// attributes mirroring the JSON document structure, so both formats share
// applyConfigMap once the HCL values are converted to plain Go values.
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("failed to evaluate HCL attribute %q: %s", name, diags.Error())
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
		data[name] = goVal
	}

	return applyConfigMap(data, cfg)
}

// ctyToGo converts a cty value into the map/slice/scalar shapes that
// applyConfigMap expects. Numbers become float64 to match JSON decoding.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		var out []any
		for _, elem := range val.AsValueSlice() {
			goVal, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, goVal)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for key, elem := range val.AsValueMap() {
			goVal, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out[key] = goVal
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported HCL value type: %s", ty.FriendlyName())
	}
}
