package persistence

// HistoryFilter narrows a history listing. Zero values mean no filter and
// the default limit.
type HistoryFilter struct {
	UserID string
	Limit  int
}
