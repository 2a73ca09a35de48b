package session

import "encoding/json"

// jsonStringify renders a non-string MIME value (already JSON-decoded by the
// codec) back to its compact JSON text form, for MIME types such as
// application/json whose wire representation is a structured value rather
// than a raw string.
func jsonStringify(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
