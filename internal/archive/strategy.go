package archive

// Selective extraction bounds. Past either limit a full extraction wins:
// random access stops paying for itself once the request set is large or a
// big fraction of the archive.
const (
	SelectiveMaxEntries  = 64
	SelectiveMaxFraction = 0.5
)

// UseSelective decides whether an extraction pass should pull only the
// needed entries or decompress the whole archive.
func UseSelective(format Format, needed, total int) bool {
	if needed == 0 || !format.RandomAccess() {
		return false
	}
	if needed >= SelectiveMaxEntries {
		return false
	}
	if total > 0 && float64(needed)/float64(total) >= SelectiveMaxFraction {
		return false
	}
	return true
}
