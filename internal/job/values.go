package job

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PathList holds one or more data-store paths. It decodes from a JSON string
// or an array of strings.
type PathList []string

func (p *PathList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*p = PathList{}
		} else {
			*p = PathList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(err, "input paths must be a string or an array of strings")
	}
	*p = PathList(many)
	return nil
}

// Inputs maps declared input slot ids to source paths.
type Inputs map[string]PathList

// Parameters maps declared parameter ids to a string, number, list or boolean.
type Parameters map[string]any

// Encode serializes inputs and parameters for the registry.
func Encode(inputs Inputs, params Parameters) ([]byte, []byte, error) {
	if inputs == nil {
		inputs = Inputs{}
	}
	if params == nil {
		params = Parameters{}
	}
	in, err := json.Marshal(inputs)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode inputs")
	}
	ps, err := json.Marshal(params)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode parameters")
	}
	return in, ps, nil
}

// Decode is the inverse of Encode. Empty blobs decode to empty mappings.
func Decode(inputsBlob, paramsBlob []byte) (Inputs, Parameters, error) {
	inputs := Inputs{}
	if len(strings.TrimSpace(string(inputsBlob))) > 0 {
		if err := json.Unmarshal(inputsBlob, &inputs); err != nil {
			return nil, nil, errors.Wrap(err, "decode inputs")
		}
	}
	params := Parameters{}
	if len(strings.TrimSpace(string(paramsBlob))) > 0 {
		if err := json.Unmarshal(paramsBlob, &params); err != nil {
			return nil, nil, errors.Wrap(err, "decode parameters")
		}
	}
	return inputs, params, nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return err == nil && b
	default:
		return false
	}
}

// renderValue formats a scalar or list value; list elements are space-joined.
func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case []string:
		return strings.Join(x, " ")
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, renderValue(e))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(x)
	}
}
