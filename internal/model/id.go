package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeSession IDType = "sess"
	IDTypeMessage IDType = "msg"
)

var validIDTypes = map[IDType]bool{
	IDTypeSession: true,
	IDTypeMessage: true,
}

var idRegex = regexp.MustCompile(`^(sess|msg)_[0-9]{10}_[0-9a-f]{12}$`)

// GenerateID returns "<type>_<unix10>_<hex12>". The suffix comes from a
// random UUID so two ids minted in the same second never collide.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	suffix := strings.ReplaceAll(u.String(), "-", "")[:12]

	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), suffix), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	// 10 digits between the type prefix and the 12-char suffix
	tsStr := id[len(id)-23 : len(id)-13]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}

// GenerateConversationID derives an id from the sorted participant set and
// the creation time, with a random suffix for uniqueness.
func GenerateConversationID(participants []string, now time.Time) (string, error) {
	sorted := NormalizeParticipants(participants)
	sort.Strings(sorted)

	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return fmt.Sprintf("conv_%s_%010d_%s", strings.Join(sorted, "+"), now.Unix(), hex.EncodeToString(b)), nil
}

// NormalizeParticipants drops empty ids and duplicates, keeping first-seen order.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// SameParticipants reports set equality, ignoring order and duplicates.
func SameParticipants(a, b []string) bool {
	as := NormalizeParticipants(a)
	bs := NormalizeParticipants(b)
	if len(as) != len(bs) {
		return false
	}
	set := make(map[string]bool, len(as))
	for _, id := range as {
		set[id] = true
	}
	for _, id := range bs {
		if !set[id] {
			return false
		}
	}
	return true
}
