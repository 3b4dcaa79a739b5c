// Package pagination splits one large collection fetch into independent,
// concurrently advancing parts.
//
// Two schemes are provided:
//
//   - Offset windows. A PartitionSet tracks the open $skip offsets of a
//     range scan. Each full page advances its window past the highest open
//     offset; a short page retires it. The scan ends when no window is left.
//
//   - Filter ranges. AlphaNumRanges and DateRanges produce $filter
//     expressions that cut a collection into disjoint slices, each of which
//     can be paged with ordinary continuation links.
//
// Example usage:
//
//	set := pagination.NewPartitionSet(pagination.DefaultPageSize)
//	for i := 0; i < pagination.DefaultPartitions; i++ {
//		skip := set.Open()
//		// submit request with pagination.WindowQuery(skip, set.PageSize())
//	}
//
// Offset windows assume the service pages exactly by $skip/$top. When the
// service silently elides items inside a page, its internal boundary shifts
// and adjacent windows can overlap, so the same item may be returned twice.
// Callers that need exactly-once delivery must deduplicate themselves.
package pagination
