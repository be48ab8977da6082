package replica

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// row is one flat record of the revisions.php response
type row struct {
	PageID     Int    `json:"page_id"`
	Title      string `json:"page_title"`
	Namespace  Int    `json:"page_namespace"`
	RevID      Int    `json:"rev_id"`
	Timestamp  string `json:"rev_timestamp"`
	Username   string `json:"rev_user_text"`
	ByteChange Int    `json:"byte_change"`
	NewArticle Flag   `json:"new_article"`
	System     Flag   `json:"system"`
}

// Flag is a boolean the service may send as a JSON boolean or as the
// strings "true" and "false". Any other literal is an error.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `true`, `"true"`:
		*f = true
	case `false`, `"false"`:
		*f = false
	default:
		return fmt.Errorf("invalid boolean literal %s", data)
	}
	return nil
}

// Int is an integer the service may send quoted
type Int int64

func (n *Int) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer literal %s: %w", data, err)
	}
	*n = Int(v)
	return nil
}

var _ json.Unmarshaler = (*Flag)(nil)
var _ json.Unmarshaler = (*Int)(nil)
