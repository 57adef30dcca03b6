package entry

import "encoding/json"

// marshalJSON/unmarshalJSON wrap encoding/json, mirroring the teacher's
// pkg/utils/encoding.go helpers (MarshalEntry/UnmarshalEntry) kept at this
// narrow scope rather than imported wholesale, since that package's
// event/pretty-print helpers have no remaining caller in this module.
func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
