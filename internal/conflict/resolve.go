// Package conflict decides between a local edit and a newer remote copy of
// the same entity.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/alexanderramin/dayplan/internal/domain"
)

// Version is one side of a conflict: an encoded snapshot and who wrote it.
type Version struct {
	Role    domain.Role
	ActorID string
	Payload json.RawMessage
}

// Resolution is the outcome of an automatic merge.
type Resolution struct {
	Merged       json.RawMessage
	WinningRole  domain.Role
	ReasonCode   string
	MergedFields []string
}

// TextFields are free-text members merged line by line instead of being
// overwritten.
var TextFields = map[string]bool{
	"notes":         true,
	"route_summary": true,
}

// bookkeeping members never count as conflicting.
var bookkeeping = map[string]bool{
	"id":         true,
	"version":    true,
	"created_at": true,
	"updated_at": true,
}

// Resolve merges local into remote. Fields are compared one by one in name
// order. Differing free text is concatenated with the author of each line,
// remote first. Any other differing field goes to the side whose role has
// more authority; when both sides have equal authority the conflict is left
// for a person and a *domain.ConflictUnresolvedError is returned. The same
// inputs always produce the same output.
func Resolve(entityID string, local, remote Version) (*Resolution, error) {
	lf, err := decodeFields(local.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding local %s: %w", entityID, err)
	}
	rf, err := decodeFields(remote.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding remote %s: %w", entityID, err)
	}

	merged := make(map[string]json.RawMessage, len(rf))
	for k, v := range rf {
		merged[k] = v
	}

	var differing, unresolved []string
	textOnly := true
	la, ra := local.Role.Authority(), remote.Role.Authority()

	for _, name := range unionKeys(lf, rf) {
		if bookkeeping[name] {
			continue
		}
		lv, rv := lf[name], rf[name]
		if equalJSON(lv, rv) {
			continue
		}
		differing = append(differing, name)

		if TextFields[name] {
			text, err := mergeTextField(lv, local, rv, remote)
			if err != nil {
				return nil, fmt.Errorf("merging %s.%s: %w", entityID, name, err)
			}
			merged[name] = text
			continue
		}

		textOnly = false
		switch {
		case la > ra:
			setOrDelete(merged, name, lv)
		case ra > la:
			setOrDelete(merged, name, rv)
		default:
			unresolved = append(unresolved, name)
		}
	}

	if len(unresolved) > 0 {
		return nil, &domain.ConflictUnresolvedError{
			EntityID:   entityID,
			Fields:     unresolved,
			LocalRole:  local.Role,
			RemoteRole: remote.Role,
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding merged %s: %w", entityID, err)
	}

	res := &Resolution{Merged: out, MergedFields: differing}
	switch {
	case len(differing) == 0:
		res.ReasonCode = domain.ReasonIdentical
		res.WinningRole = remote.Role
	case textOnly:
		res.ReasonCode = domain.ReasonTextMerged
		res.WinningRole = higher(local.Role, remote.Role)
	default:
		res.ReasonCode = domain.ReasonRolePriority
		res.WinningRole = higher(local.Role, remote.Role)
	}
	return res, nil
}

func decodeFields(b json.RawMessage) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(b)) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func unionKeys(a, b map[string]json.RawMessage) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for _, m := range []map[string]json.RawMessage{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// equalJSON compares two encoded values ignoring formatting and key order.
// A missing member equals null.
func equalJSON(a, b json.RawMessage) bool {
	na, nb := normalize(a), normalize(b)
	return bytes.Equal(na, nb)
}

func normalize(v json.RawMessage) []byte {
	if len(bytes.TrimSpace(v)) == 0 {
		return []byte("null")
	}
	var x any
	if err := json.Unmarshal(v, &x); err != nil {
		return v
	}
	out, err := json.Marshal(x)
	if err != nil {
		return v
	}
	return out
}

func setOrDelete(m map[string]json.RawMessage, name string, v json.RawMessage) {
	if v == nil {
		delete(m, name)
		return
	}
	m[name] = v
}

func higher(a, b domain.Role) domain.Role {
	if b.Authority() > a.Authority() {
		return b
	}
	return a
}

func mergeTextField(lv json.RawMessage, local Version, rv json.RawMessage, remote Version) (json.RawMessage, error) {
	var ls, rs string
	if len(lv) > 0 {
		if err := json.Unmarshal(lv, &ls); err != nil {
			return nil, err
		}
	}
	if len(rv) > 0 {
		if err := json.Unmarshal(rv, &rs); err != nil {
			return nil, err
		}
	}
	return json.Marshal(MergeText(rs, remote, ls, local))
}

var provenanceTag = regexp.MustCompile(`^\[[a-z_]+:[^\]]*\] `)

// MergeText concatenates remote and local text, remote first, tagging each
// untagged line with its author. Lines already present are not repeated,
// so merging the result again with either input changes nothing.
func MergeText(remote string, rv Version, local string, lv Version) string {
	if remote == local || local == "" {
		return remote
	}
	if remote == "" {
		return local
	}

	seen := map[string]bool{}
	var out []string
	add := func(text string, v Version) {
		for _, line := range strings.Split(text, "\n") {
			body := provenanceTag.ReplaceAllString(line, "")
			if strings.TrimSpace(body) == "" || seen[body] {
				continue
			}
			seen[body] = true
			if body == line {
				line = fmt.Sprintf("[%s:%s] %s", v.Role, v.ActorID, line)
			}
			out = append(out, line)
		}
	}
	add(remote, rv)
	add(local, lv)
	return strings.Join(out, "\n")
}
