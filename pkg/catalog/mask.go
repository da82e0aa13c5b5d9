package catalog

// PopDeselected removes deselected properties from record in place, walking
// nested object properties of schema.
func PopDeselected(record map[string]interface{}, schema map[string]interface{}, mask SelectionMask) {
	popDeselected(record, schema, mask, Breadcrumb{})
}

func popDeselected(record map[string]interface{}, schema map[string]interface{}, mask SelectionMask, at Breadcrumb) {
	props, _ := schema["properties"].(map[string]interface{})
	for name := range record {
		crumb := append(append(Breadcrumb{}, at...), "properties", name)
		if !mask.Selected(crumb) {
			delete(record, name)
			continue
		}
		nested, ok := record[name].(map[string]interface{})
		if !ok {
			continue
		}
		if propSchema, ok := props[name].(map[string]interface{}); ok {
			popDeselected(nested, propSchema, mask, crumb)
		}
	}
}

// FilterSchema returns a copy of schema without deselected properties.
func FilterSchema(schema map[string]interface{}, mask SelectionMask) map[string]interface{} {
	return filterSchema(schema, mask, Breadcrumb{})
}

func filterSchema(schema map[string]interface{}, mask SelectionMask, at Breadcrumb) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return out
	}
	kept := make(map[string]interface{}, len(props))
	for name, prop := range props {
		crumb := append(append(Breadcrumb{}, at...), "properties", name)
		if !mask.Selected(crumb) {
			continue
		}
		if nested, ok := prop.(map[string]interface{}); ok {
			kept[name] = filterSchema(nested, mask, crumb)
		} else {
			kept[name] = prop
		}
	}
	out["properties"] = kept
	return out
}
