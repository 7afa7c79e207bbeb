package reply

import "github.com/pkg/errors"

// ErrShapeMismatch is returned by the extraction helpers when a reply
// vector's length or variant sequence doesn't match what was requested.
var ErrShapeMismatch = errors.New("reply vector shape mismatch")

// Extract1 verifies that replies is exactly [A, Ok] and returns A's payload.
// This is the generic equivalent of the original's extract_single_reply,
// used throughout the upload FSM to turn a reply vector into a typed value.
func Extract1[A Reply](replies []Reply) (A, error) {
	var zero A
	if len(replies) != 2 {
		return zero, errors.WithMessagef(ErrShapeMismatch, "want 2 replies, got %d", len(replies))
	}
	a, ok := replies[0].(A)
	if !ok {
		return zero, errors.WithMessagef(ErrShapeMismatch, "want %T as first reply, got %T", zero, replies[0])
	}
	if _, ok := replies[1].(Ok); !ok {
		return zero, errors.WithMessagef(ErrShapeMismatch, "want Ok as second reply, got %T", replies[1])
	}
	return a, nil
}

// Extract2 verifies that replies is exactly [A, B] and returns both
// payloads. This is the generic equivalent of the original's
// extract_replies_from_range<A, B>.
func Extract2[A, B Reply](replies []Reply) (A, B, error) {
	var za A
	var zb B
	if len(replies) != 2 {
		return za, zb, errors.WithMessagef(ErrShapeMismatch, "want 2 replies, got %d", len(replies))
	}
	a, ok := replies[0].(A)
	if !ok {
		return za, zb, errors.WithMessagef(ErrShapeMismatch, "want %T as first reply, got %T", za, replies[0])
	}
	b, ok := replies[1].(B)
	if !ok {
		return za, zb, errors.WithMessagef(ErrShapeMismatch, "want %T as second reply, got %T", zb, replies[1])
	}
	return a, b, nil
}

// Extract3 verifies that replies is exactly [A, B, C] and returns all three
// payloads. In the upload FSM this turns an HTTP read's reply vector
// ([HttpReadHeader, <payload reply>, Ok]) into its typed payload.
func Extract3[A, B, C Reply](replies []Reply) (A, B, C, error) {
	var za A
	var zb B
	var zc C
	if len(replies) != 3 {
		return za, zb, zc, errors.WithMessagef(ErrShapeMismatch, "want 3 replies, got %d", len(replies))
	}
	a, ok := replies[0].(A)
	if !ok {
		return za, zb, zc, errors.WithMessagef(ErrShapeMismatch, "want %T as 1st reply, got %T", za, replies[0])
	}
	b, ok := replies[1].(B)
	if !ok {
		return za, zb, zc, errors.WithMessagef(ErrShapeMismatch, "want %T as 2nd reply, got %T", zb, replies[1])
	}
	c, ok := replies[2].(C)
	if !ok {
		return za, zb, zc, errors.WithMessagef(ErrShapeMismatch, "want %T as 3rd reply, got %T", zc, replies[2])
	}
	return a, b, c, nil
}
