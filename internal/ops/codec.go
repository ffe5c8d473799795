package ops

import "encoding/json"

func encodeJSON(data interface{}) ([]byte, string, error) {
	b, err := json.Marshal(data)
	return b, "application/json", err
}

func decodeJSON(body []byte, out interface{}) error {
	return json.Unmarshal(body, out)
}
