package stats

// AddPlayer registers a player row with zero counters.
func (h *MemoryHistory) AddPlayer(id string) {
	h.mu.Lock()
	h.ensurePlayerLocked(id)
	h.mu.Unlock()
}

// AddGame records a game row and its registered participants without moves.
func (h *MemoryHistory) AddGame(id string, boardSize int, status, winnerID string, players ...string) {
	h.mu.Lock()
	h.games[id] = memGame{id: id, boardSize: boardSize, status: status, winnerID: winnerID}
	h.gamePlayers[id] = players
	h.mu.Unlock()
}

// AddMove appends a move row; neither the game nor the player has to exist.
func (h *MemoryHistory) AddMove(gameID, playerID string) {
	h.mu.Lock()
	h.addMoveLocked(gameID, playerID)
	h.mu.Unlock()
}

// SetCounters overwrites a player's denormalized counters.
func (h *MemoryHistory) SetCounters(c Counters) {
	h.mu.Lock()
	h.players[c.PlayerID] = c
	h.mu.Unlock()
}

// FailApplyFor makes ApplyCounters reject any batch containing playerID.
func (h *MemoryHistory) FailApplyFor(playerID string) {
	h.mu.Lock()
	h.failApply = playerID
	h.mu.Unlock()
}
