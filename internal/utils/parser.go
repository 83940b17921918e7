package utils

import (
	"encoding/json"
	"regexp"

	"gorm.io/datatypes"
)

var variablePattern = regexp.MustCompile(`{{\s*(\w+)\s*}}`)

// ReplaceVariables substitutes {{name}} placeholders, spaces inside the braces
// allowed. Unknown names render as the empty string.
func ReplaceVariables(input string, variables map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(input, func(m string) string {
		name := variablePattern.FindStringSubmatch(m)[1]
		return variables[name]
	})
}

// ParseVariables lists the placeholder names in input, first occurrence order.
func ParseVariables(input string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range variablePattern.FindAllStringSubmatch(input, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// JSONToMap flattens a JSON object of custom fields into strings. Empty input
// yields an empty map.
func JSONToMap(data datatypes.JSON) (map[string]string, error) {
	result := make(map[string]string)
	if len(data) == 0 {
		return result, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			result[k] = val
		case nil:
			result[k] = ""
		default:
			b, _ := json.Marshal(val)
			result[k] = string(b)
		}
	}
	return result, nil
}
