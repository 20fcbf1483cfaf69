package repository

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// normalize lowercases s, strips diacritics and collapses whitespace, so that
// "Éloïse  Dupré" and "eloise dupre" compare equal.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// searchKey concatenates every text-searchable field of an identity.
func searchKey(i *Identity) string {
	return normalize(strings.Join([]string{
		i.Name, i.FirstName, i.Alias, i.Crime, i.Description, i.Implication,
		i.BirthPlace, i.Nationality, i.Address,
	}, " "))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern matching term anywhere in a search key.
func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(normalize(term)) + "%"
}
