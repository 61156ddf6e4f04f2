package settlement

import (
	"database/sql"
	"errors"
	"time"
)

// Entity names the settleable tables. TryTransition only accepts these so a
// caller can never smuggle an arbitrary table name into the statement.
type Entity string

const (
	EntityAuction Entity = "auctions"
	EntityLottery Entity = "lotteries"
)

// Auction statuses. FINISHING marks an auction whose value movement is in
// flight: if the worker dies midway, the poller picks the auction back up
// and resumes it, so a converted hold never strands without the matching
// payment and proceeds.
const (
	AuctionLive      = "LIVE"
	AuctionFinishing = "FINISHING"
	AuctionFinished  = "FINISHED"
	AuctionCancelled = "CANCELLED"
)

// Lottery statuses. DRAWING is transient: a draw ends in COMPLETE or FAILED,
// never parked in DRAWING.
const (
	LotteryLive     = "LIVE"
	LotteryDrawing  = "DRAWING"
	LotteryComplete = "COMPLETE"
	LotteryFailed   = "FAILED"
)

// allowedTransitions is the closed set of legal status moves per entity.
var allowedTransitions = map[Entity]map[string][]string{
	EntityAuction: {
		AuctionLive:      {AuctionFinishing, AuctionCancelled},
		AuctionFinishing: {AuctionFinished},
	},
	EntityLottery: {
		LotteryLive:    {LotteryDrawing, LotteryFailed},
		LotteryDrawing: {LotteryComplete, LotteryFailed},
	},
}

// ErrUnknownEntity is returned for an entity outside the closed set.
var ErrUnknownEntity = errors.New("unknown settleable entity")

// ErrIllegalTransition is returned for a status move outside the lifecycle.
var ErrIllegalTransition = errors.New("illegal status transition")

// Auction is a timed sale of an item held by a seller. Bids live in the
// reservation manager; the auction row carries only lifecycle state.
type Auction struct {
	ID        string
	Scope     string
	SellerID  string
	ItemName  string
	Status    string
	WinnerID  sql.NullString
	DueAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lottery is a timed pot draw. The pot is derived, ticket price times
// tickets sold, and persisted with the draw result; the draw credits the
// whole pot to one winner.
type Lottery struct {
	ID          string
	Scope       string
	Asset       string
	TicketPrice string
	Pot         string
	Status      string
	WinnerID    sql.NullString
	Seed        sql.NullInt64
	DueAt       time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Entry is one lottery ticket.
type Entry struct {
	ID        string
	LotteryID string
	UserID    string
	CreatedAt time.Time
}
