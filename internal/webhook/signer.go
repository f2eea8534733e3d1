package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ksred/supply-api/internal/money"
	"github.com/ksred/supply-api/internal/types"
)

// Payload is the exact JSON body sent to a webhook endpoint
type Payload struct {
	Event     types.EventType `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"`
	Data      json.RawMessage `json:"data"`
}

// OrderData is the order snapshot carried in a payload
type OrderData struct {
	ID          uint          `json:"id"`
	EventID     string        `json:"event_id"`
	OrderNumber string        `json:"order_number"`
	Status      string        `json:"status"`
	GoodsAmount money.Amount  `json:"goods_amount"`
	TotalAmount money.Amount  `json:"total_amount"`
	ItemCount   int           `json:"item_count"`
	Contact     types.Contact `json:"contact"`
}

func orderData(e types.OrderEvent) OrderData {
	return OrderData{
		ID:          e.OrderID,
		EventID:     e.EventID,
		OrderNumber: e.OrderNumber,
		Status:      e.Status,
		GoodsAmount: e.GoodsAmount,
		TotalAmount: e.TotalAmount,
		ItemCount:   e.ItemCount,
		Contact: types.Contact{
			Name:    RedactName(e.Contact.Name),
			Phone:   RedactPhone(e.Contact.Phone),
			Address: RedactAddress(e.Contact.Address),
		},
	}
}

// Sign returns the hex HMAC-SHA256 of event|timestamp|nonce|body under secret
func Sign(secret string, event types.EventType, timestamp int64, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(string(event)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'|'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a payload signature in constant time
func Verify(secret string, p Payload) bool {
	want := Sign(secret, p.Event, p.Timestamp, p.Nonce, p.Data)
	got, err := hex.DecodeString(p.Signature)
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(want)
	return hmac.Equal(expected, got)
}

// BuildPayload serializes and signs e for one endpoint
func BuildPayload(secret string, e types.OrderEvent, timestamp int64, nonce string) ([]byte, error) {
	body, err := json.Marshal(orderData(e))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Payload{
		Event:     e.Type,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: Sign(secret, e.Type, timestamp, nonce, body),
		Data:      body,
	})
}

// RedactPhone keeps the first three and last four digits
func RedactPhone(phone string) string {
	n := utf8.RuneCountInString(phone)
	if n <= 7 {
		return strings.Repeat("*", n)
	}
	r := []rune(phone)
	return string(r[:3]) + strings.Repeat("*", n-7) + string(r[n-4:])
}

// RedactName keeps the first character
func RedactName(name string) string {
	r := []rune(name)
	if len(r) <= 1 {
		return name
	}
	return string(r[0]) + strings.Repeat("*", len(r)-1)
}

// RedactAddress keeps the leading part of the address up to six characters
func RedactAddress(addr string) string {
	r := []rune(addr)
	if len(r) <= 6 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:6]) + "****"
}
