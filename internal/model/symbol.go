package model

import "time"

// Symbol is one instrument in the tracked universe. Scheduled runs cover
// every active symbol; manual and event runs may name a subset.
type Symbol struct {
	Symbol  string    `json:"symbol"`
	Name    string    `json:"name,omitempty"`
	ISIN    string    `json:"isin,omitempty"`
	Sector  string    `json:"sector,omitempty"`
	Active  bool      `json:"active"`
	AddedAt time.Time `json:"added_at"`
}
