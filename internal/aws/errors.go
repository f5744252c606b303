package aws

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// IsConditionFailed reports whether err is a DynamoDB conditional check failure.
func IsConditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// CancellationCodes returns the per-item cancellation codes of a cancelled
// TransactWriteItems call ("None", "ConditionalCheckFailed", ...), in request order.
// ok is false when err is not a transaction cancellation.
func CancellationCodes(err error) (codes []string, ok bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	codes = make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		if r.Code != nil {
			codes[i] = *r.Code
		}
	}
	return codes, true
}

// ConditionFailedAt reports whether the transaction item at index idx was
// cancelled by its condition expression.
func ConditionFailedAt(err error, idx int) bool {
	codes, ok := CancellationCodes(err)
	if !ok || idx < 0 || idx >= len(codes) {
		return false
	}
	return codes[idx] == "ConditionalCheckFailed"
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Int32 returns a pointer to i.
func Int32(i int32) *int32 { return &i }

// ToString dereferences p, returning "" for nil.
func ToString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
