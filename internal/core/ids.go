package core

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"modos/pkg/domain"
)

const hashSlugLen = 16

var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// slugify turns a user supplied name into a path-safe slug. It may return
// "" when nothing of the name survives.
func slugify(name string) string {
	s := slugUnsafe.ReplaceAllString(strings.TrimSpace(name), "_")
	return strings.Trim(s, "._")
}

// hashSlug derives a content-addressed slug from digest.
func hashSlug(digest []byte) string {
	s := base58.Encode(digest)
	if len(s) > hashSlugLen {
		s = s[:hashSlugLen]
	}
	return s
}

func attrsDigest(attrs map[string]any) []byte {
	b, _ := json.Marshal(attrs) // map keys are emitted sorted
	sum := blake2b.Sum256(b)
	return sum[:]
}

// assignID resolves the group-relative identifier of a new node. A caller
// supplied id wins; otherwise the name slug is used, falling back to a hash
// of the payload (or of the attributes when there is no payload).
func assignID(n Node, payloadDigest []byte) (string, error) {
	group := n.Type.Group()
	if n.ID != "" {
		id := strings.Trim(n.ID, "/")
		if !strings.Contains(id, "/") {
			id = group + "/" + id
		}
		if !strings.HasPrefix(id, group+"/") || strings.Count(id, "/") != 1 || slugify(id[len(group)+1:]) != id[len(group)+1:] {
			return "", &domain.SchemaViolationError{Class: string(n.Type), Slot: domain.SlotID, Rule: "identifier must be " + group + "/<slug>", Value: n.ID}
		}
		return id, nil
	}
	slug := slugify(n.String(domain.SlotName))
	if slug == "" {
		digest := payloadDigest
		if digest == nil {
			digest = attrsDigest(n.Attrs)
		}
		slug = hashSlug(digest)
	}
	return group + "/" + slug, nil
}
