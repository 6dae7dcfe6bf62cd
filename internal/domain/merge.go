package domain

// MergeListing folds src into dst under the fill-only rule: a field already
// set on dst is never overwritten, and FirstSeenAt never regresses. This is
// what lets master-list rows and email drafts share one identity space.
func MergeListing(dst *Listing, src Listing) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Address == "" {
		dst.Address = src.Address
	}
	if dst.NormalizedAddress == "" {
		dst.NormalizedAddress = src.NormalizedAddress
	}
	if dst.Price == "" {
		dst.Price = src.Price
	}
	if dst.Size == "" {
		dst.Size = src.Size
	}
	if dst.Link == "" {
		dst.Link = src.Link
	}
	if dst.Lat == nil {
		dst.Lat = src.Lat
	}
	if dst.Lng == nil {
		dst.Lng = src.Lng
	}
	if dst.DistanceMinutes == nil {
		dst.DistanceMinutes = src.DistanceMinutes
	}
	if dst.Fingerprint == "" {
		dst.Fingerprint = src.Fingerprint
	}
	if dst.FirstSeenAt.IsZero() {
		dst.FirstSeenAt = src.FirstSeenAt
	}
	if src.LastSeenAt.After(dst.LastSeenAt) {
		dst.LastSeenAt = src.LastSeenAt
	}
}
