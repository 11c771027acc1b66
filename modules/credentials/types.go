package credentials

import "errors"

const (
	GroupPrefix = "bfgroup"
	SharePrefix = "bfshare"

	pubkeySize = 33
	scalarSize = 32
	indexSize  = 4

	commitSize   = indexSize + 3*pubkeySize
	groupHeader  = pubkeySize + 4
	sharePayload = indexSize + 3*scalarSize
)

var (
	ErrPrefix    = errors.New("credential has the wrong prefix")
	ErrEncoding  = errors.New("credential is not valid bech32m")
	ErrLength    = errors.New("credential payload has an unexpected length")
	ErrThreshold = errors.New("threshold must be between 1 and the member count")
	ErrIndex     = errors.New("member index is invalid")
	ErrMismatch  = errors.New("share does not belong to this group")
)

// Commit is one member's public commitment inside a group credential.
type Commit struct {
	Index       int    `json:"idx"`
	Pubkey      string `json:"pubkey"`
	HiddenNonce string `json:"hidden_pn"`
	BinderNonce string `json:"binder_pn"`
}

type GroupPackage struct {
	GroupPubkey string   `json:"group_pk"`
	Threshold   int      `json:"threshold"`
	Commits     []Commit `json:"commits"`
}

// CommitFor returns the commit carrying idx.
func (g GroupPackage) CommitFor(idx int) (Commit, bool) {
	for _, c := range g.Commits {
		if c.Index == idx {
			return c, true
		}
	}
	return Commit{}, false
}

type SharePackage struct {
	Index       int    `json:"idx"`
	Seckey      string `json:"seckey"`
	BinderNonce string `json:"binder_sn"`
	HiddenNonce string `json:"hidden_sn"`
}

// ShareDetails is the read-only summary shown for a loaded share.
type ShareDetails struct {
	Index       int    `json:"idx"`
	Threshold   int    `json:"threshold"`
	Total       int    `json:"total"`
	GroupPubkey string `json:"group_pk"`
}

// Codec decodes the opaque credential strings. PeerPubkeys is the codec's own
// co-signer extraction; callers keep a manual fallback over Commits.
type Codec interface {
	DecodeGroup(group string) (GroupPackage, error)
	DecodeShare(share string) (SharePackage, error)
	PeerPubkeys(group GroupPackage, share SharePackage) ([]string, error)
}

type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func valid() ValidationResult {
	return ValidationResult{Valid: true}
}

func invalid(field, reason string) ValidationResult {
	return ValidationResult{Field: field, Reason: reason}
}
