package matching

// Identity is the descriptive snapshot of an enrolled person. Crime and
// Description are passed through to results untouched.
type Identity struct {
	ID          int64
	Name        string
	Crime       string
	Description string
}

// Record is one row supplied by the record store: an identity joined to one
// of its reference images.
type Record struct {
	Identity    Identity
	ReferenceID int64
	ImageBytes  []byte
}

// ReferenceImage is a validated reference photo. Position is its enrollment
// order within the owning identity and drives tie-breaking.
type ReferenceImage struct {
	IdentityID  int64
	ReferenceID int64
	Position    int
	Image       *DecodedImage
}

// Entry groups an identity with its non-empty set of valid references.
type Entry struct {
	Identity   Identity
	References []ReferenceImage
}

// Gallery is the query-scoped set of identities that have at least one valid
// reference image, in first-seen order.
type Gallery struct {
	Entries       []Entry
	SkippedImages int
}

// Len returns the number of identities in the gallery.
func (g *Gallery) Len() int { return len(g.Entries) }

// BuildGallery validates every record image and groups the survivors by
// identity id. Invalid images are counted and dropped; identities left without
// a valid reference never enter the gallery.
func BuildGallery(records []Record) *Gallery {
	g := &Gallery{}
	index := make(map[int64]int, len(records))

	for _, rec := range records {
		img, err := Validate(rec.ImageBytes)
		if err != nil {
			g.SkippedImages++
			continue
		}

		pos, ok := index[rec.Identity.ID]
		if !ok {
			pos = len(g.Entries)
			index[rec.Identity.ID] = pos
			g.Entries = append(g.Entries, Entry{Identity: rec.Identity})
		}

		entry := &g.Entries[pos]
		entry.References = append(entry.References, ReferenceImage{
			IdentityID:  rec.Identity.ID,
			ReferenceID: rec.ReferenceID,
			Position:    len(entry.References),
			Image:       img,
		})
	}

	return g
}
