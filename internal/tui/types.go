package tui

import "github.com/fentz26/devcast/internal/models"

// BalanceInfo is the credit summary shown in the header.
type BalanceInfo struct {
	Balance        int64 `json:"balance"`
	TotalSpent     int64 `json:"total_spent"`
	TotalPurchased int64 `json:"total_purchased"`
}

// QueueInfo is the batch queue status shown in the header.
type QueueInfo struct {
	Pending    int  `json:"pending"`
	Processing bool `json:"processing"`
}

type draftsLoadedMsg struct {
	drafts []models.Draft
}

type statusLoadedMsg struct {
	balance *BalanceInfo
	queue   *QueueInfo
}

type daemonStatusMsg struct {
	online bool
}

type postedMsg struct {
	draftID string
	result  *models.PostResult
}

type errMsg struct {
	err error
}

func (e errMsg) Error() string { return e.err.Error() }
