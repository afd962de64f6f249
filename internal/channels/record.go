package channels

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Record is one configured message target.
//
// Endpoint is derived from ChannelID when the record is created and is never
// re-derived afterwards; files may carry hand-edited endpoints.
type Record struct {
	Name      string `json:"channel_name" validate:"required"`
	Endpoint  string `json:"url" validate:"required,url"`
	ChannelID uint64 `json:"channel_id" validate:"gt=0"`
	Message   string `json:"message"`
	Chance    int    `json:"chance" validate:"gte=0,lte=100"`

	key uint64
}

// Key identifies the record inside the store that loaded or appended it.
// Zero means the record was never stored.
func (r Record) Key() uint64 { return r.key }

func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("channel %q: %w", r.Name, err)
	}
	return nil
}

// Endpoint returns the message-create URL for a channel id.
func Endpoint(apiBase string, channelID uint64) string {
	return strings.TrimRight(apiBase, "/") + "/channels/" + strconv.FormatUint(channelID, 10) + "/messages"
}

// NewRecord builds a record with its endpoint derived from channelID.
func NewRecord(apiBase, name string, channelID uint64, message string, chance int) (Record, error) {
	r := Record{
		Name:      strings.TrimSpace(name),
		Endpoint:  Endpoint(apiBase, channelID),
		ChannelID: channelID,
		Message:   message,
		Chance:    chance,
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// UnescapeMessage turns literal "\n" sequences typed on one console line into line breaks.
func UnescapeMessage(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}
