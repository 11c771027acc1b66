package credentials

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JustinKnueppel/go-result"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-playground/validator/v10"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var formatValidator = newFormatValidator()

func newFormatValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("bech32data", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		sep := strings.LastIndexByte(s, '1')
		if sep < 1 {
			return false
		}
		for _, r := range s[sep+1:] {
			if !strings.ContainsRune(bech32Charset, r) {
				return false
			}
		}
		return true
	})
	return v
}

// A one-member group is the smallest valid package: 140 bytes of payload.
type groupFormat struct {
	Group string `validate:"required,startswith=bfgroup1,min=238,bech32data"`
}

type shareFormat struct {
	Share string `validate:"required,startswith=bfshare1,len=174,bech32data"`
}

type relayFormat struct {
	Relay string `validate:"required,url"`
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "credential is empty"
	case "startswith":
		return fmt.Sprintf("must start with %s", fe.Param())
	case "min", "len":
		return "credential has an unexpected length"
	case "bech32data":
		return "contains characters outside the bech32 alphabet"
	case "url":
		return "not a valid URL"
	}
	return fe.Error()
}

func checkFormat(field string, s any) ValidationResult {
	err := formatValidator.Struct(s)
	if err == nil {
		return valid()
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return invalid(field, reasonFor(verrs[0]))
	}
	return invalid(field, err.Error())
}

func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateGroup checks the shape of a group credential without decoding it.
func ValidateGroup(group string) ValidationResult {
	return checkFormat("group", groupFormat{Group: clean(group)})
}

// ValidateShare checks the shape of a share credential without decoding it.
func ValidateShare(share string) ValidationResult {
	return checkFormat("share", shareFormat{Share: clean(share)})
}

func ValidateRelayURL(relay string) ValidationResult {
	relay = strings.TrimSpace(relay)
	if res := checkFormat("relay", relayFormat{Relay: relay}); !res.Valid {
		return res
	}
	u, err := url.Parse(relay)
	if err != nil {
		return invalid("relay", err.Error())
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return invalid("relay", "relay URLs must use ws:// or wss://")
	}
	if u.Host == "" {
		return invalid("relay", "relay URL has no host")
	}
	return valid()
}

func catch[T any](fn func() (T, error)) (res result.Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = result.Err[T](fmt.Errorf("decode panicked: %v", r))
		}
	}()
	v, err := fn()
	if err != nil {
		return result.Err[T](err)
	}
	return result.Ok(v)
}

func toValidation[T any](field string, res result.Result[T]) ValidationResult {
	if res.IsErr() {
		return invalid(field, res.UnwrapErr().Error())
	}
	return valid()
}

// VerifyGroup validates the format and then fully decodes the credential.
func VerifyGroup(codec Codec, group string) ValidationResult {
	if res := ValidateGroup(group); !res.Valid {
		return res
	}
	return toValidation("group", catch(func() (GroupPackage, error) {
		return codec.DecodeGroup(group)
	}))
}

func VerifyShare(codec Codec, share string) ValidationResult {
	if res := ValidateShare(share); !res.Valid {
		return res
	}
	return toValidation("share", catch(func() (SharePackage, error) {
		return codec.DecodeShare(share)
	}))
}

// VerifyPair checks that share belongs to group: its index must be a member
// and its secret key must match that member's commitment.
func VerifyPair(codec Codec, group, share string) ValidationResult {
	if res := VerifyGroup(codec, group); !res.Valid {
		return res
	}
	if res := VerifyShare(codec, share); !res.Valid {
		return res
	}
	decoded := result.AndThen(
		catch(func() (GroupPackage, error) { return codec.DecodeGroup(group) }),
		func(g GroupPackage) result.Result[ShareDetails] {
			return catch(func() (ShareDetails, error) {
				s, err := codec.DecodeShare(share)
				if err != nil {
					return ShareDetails{}, err
				}
				if err := matchCommit(g, s); err != nil {
					return ShareDetails{}, err
				}
				return Details(g, s)
			})
		},
	)
	return toValidation("share", decoded)
}

func matchCommit(g GroupPackage, s SharePackage) error {
	commit, ok := g.CommitFor(s.Index)
	if !ok {
		return fmt.Errorf("%w: index %d", ErrMismatch, s.Index)
	}
	seckey, err := hexField("seckey", s.Seckey, scalarSize)
	if err != nil {
		return err
	}
	_, pub := btcec.PrivKeyFromBytes(seckey)
	if fmt.Sprintf("%x", pub.SerializeCompressed()) != strings.ToLower(commit.Pubkey) {
		return fmt.Errorf("%w: secret key does not match commit %d", ErrMismatch, s.Index)
	}
	return nil
}
