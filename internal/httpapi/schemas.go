package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

const validationTagSenderID = "senderid"

var (
	registerValidatorsOnce sync.Once
	registerValidatorsErr  error
)

// Send schemas carry no validation tags and accept any JSON field types: the dispatch gates run in a
// fixed order inside the service, with the subscription check first.
type sendRequest struct {
	To      looseString `json:"to"`
	Message looseString `json:"message"`
	Sender  looseString `json:"sender"`
	RouteID looseString `json:"routeId"`
}

type batchSendRequest struct {
	Sender     looseString   `json:"sender"`
	Message    looseString   `json:"message"`
	Recipients recipientList `json:"recipients"`
	RouteID    looseString   `json:"routeId"`
}

type quoteRequest struct {
	Message string `json:"message" binding:"required"`
	Sender  string `json:"sender"`
}

type setCreditsRequest struct {
	Credits *int64 `json:"credits" binding:"required,min=0"`
}

type setDueDateRequest struct {
	DueDate *string `json:"dueDate" binding:"required"`
}

type blockedSendersRequest struct {
	Senders []string `json:"senders" binding:"required,dive,senderid"`
}

type blockedSenderRequest struct {
	Sender string `json:"sender" binding:"required,senderid"`
}

type receiptRequest struct {
	MessageID string `json:"messageId" form:"messageId"`
	Status    string `json:"status" form:"status"`
	Recipient string `json:"recipient" form:"recipient"`
	Timestamp string `json:"timestamp" form:"timestamp"`
}

func (request receiptRequest) fillFrom(other receiptRequest) receiptRequest {
	request.MessageID = firstNonEmpty(request.MessageID, other.MessageID)
	request.Status = firstNonEmpty(request.Status, other.Status)
	request.Recipient = firstNonEmpty(request.Recipient, other.Recipient)
	request.Timestamp = firstNonEmpty(request.Timestamp, other.Timestamp)
	return request
}

func (request receiptRequest) input() relay.ReceiptInput {
	return relay.ReceiptInput{
		MessageID: request.MessageID,
		Status:    request.Status,
		Recipient: request.Recipient,
		Timestamp: request.Timestamp,
	}
}

// looseString takes strings verbatim and numbers or booleans as their literal text.
// Objects, arrays and null decode to the empty string.
type looseString string

func (value *looseString) UnmarshalJSON(raw []byte) error {
	text, err := scalarText(raw)
	if err != nil {
		return err
	}
	*value = looseString(text)
	return nil
}

func (value looseString) String() string {
	return string(value)
}

func scalarText(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return "", err
		}
		return text, nil
	case '{', '[', 'n':
		return "", nil
	default:
		return string(trimmed), nil
	}
}

// recipientList accepts an array of numbers or one value delimited by commas, semicolons or whitespace.
// Array items may be strings or bare numbers.
type recipientList []string

func (list *recipientList) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		text, err := scalarText(trimmed)
		if err != nil {
			return err
		}
		*list = nil
		if text != "" {
			*list = relay.SplitRecipients(text)
		}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return fmt.Errorf("recipients must be a string or an array: %w", err)
	}
	var expanded []string
	for _, item := range items {
		text, err := scalarText(item)
		if err != nil {
			return err
		}
		expanded = append(expanded, relay.SplitRecipients(text)...)
	}
	*list = expanded
	return nil
}

func registerValidators() error {
	registerValidatorsOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerValidatorsErr = errors.New("unexpected binding validator engine")
			return
		}
		registerValidatorsErr = engine.RegisterValidation(validationTagSenderID, validateSenderID)
	})
	return registerValidatorsErr
}

func validateSenderID(field validator.FieldLevel) bool {
	_, err := relay.NewBlockedSenderID(field.Field().String())
	return err == nil
}

func describeBindingError(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return "expected JSON body"
	}
	problems := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		problems = append(problems, fmt.Sprintf("%s failed %s", fieldError.Field(), fieldError.Tag()))
	}
	return strings.Join(problems, "; ")
}

func firstNonEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
