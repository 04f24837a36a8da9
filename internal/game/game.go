// Package game implements the 8x8 grid/treasure state machine that
// drives the server side of the protocol: player position, treasure
// placement, move validation, and discovery detection.
package game

import (
	"math/rand"
	"regexp"
)

// GridSize is the fixed width and height of the play area.
const GridSize = 8

// MaxTreasures caps how many reward files a single game places.
const MaxTreasures = 8

// treasureFilePattern selects treasure-eligible filenames: a single
// digit 1-8, a dot, then at least one more character.
var treasureFilePattern = regexp.MustCompile(`^[1-8]\..+`)

// Direction is one of the four axis-aligned moves a player can make.
// x grows east (Right), y grows north (Up).
type Direction int

const (
	MoveRight Direction = iota
	MoveUp
	MoveDown
	MoveLeft
)

// Treasure is a reward file bound to a fixed grid cell.
type Treasure struct {
	X, Y       int
	Filename   string
	Discovered bool
}

// Cell is the client's local view of one grid square.
type Cell struct {
	Visited      bool
	HasTreasure  bool
	TreasureName string
}

// MoveOutcome reports whether a requested move was committed.
type MoveOutcome int

const (
	Moved MoveOutcome = iota
	OutOfBounds
)

// Response classifies a move for the server's reply policy.
type Response int

const (
	ResponseRejected Response = iota
	ResponseMoved
	ResponseTreasureFound
)

// State owns the player position and the full treasure set.
type State struct {
	PlayerX, PlayerY int
	Treasures        []Treasure
}

// New builds a game from a candidate file list, filtering it down to
// treasure-eligible names (capped at MaxTreasures) and placing each at
// a uniformly random, pairwise-distinct cell. The player starts at
// (0,0).
func New(rng *rand.Rand, fileList []string) *State {
	names := filterTreasureFiles(fileList)
	return &State{Treasures: placeTreasures(rng, names)}
}

// MatchesTreasureFilter reports whether name is treasure-eligible by
// the same rule New applies when ingesting a file list.
func MatchesTreasureFilter(name string) bool {
	return treasureFilePattern.MatchString(name)
}

func filterTreasureFiles(fileList []string) []string {
	names := make([]string, 0, MaxTreasures)
	for _, f := range fileList {
		if !treasureFilePattern.MatchString(f) {
			continue
		}
		names = append(names, f)
		if len(names) == MaxTreasures {
			break
		}
	}
	return names
}

func placeTreasures(rng *rand.Rand, names []string) []Treasure {
	treasures := make([]Treasure, 0, len(names))
	occupied := make(map[[2]int]bool, len(names))
	for _, name := range names {
		for {
			pos := [2]int{rng.Intn(GridSize), rng.Intn(GridSize)}
			if occupied[pos] {
				continue
			}
			occupied[pos] = true
			treasures = append(treasures, Treasure{X: pos[0], Y: pos[1], Filename: name})
			break
		}
	}
	return treasures
}

// TryMove computes the candidate position for dir and commits it if
// both coordinates stay within [0, GridSize).
func (s *State) TryMove(dir Direction) (MoveOutcome, int, int) {
	x, y := s.PlayerX, s.PlayerY
	switch dir {
	case MoveRight:
		x++
	case MoveLeft:
		x--
	case MoveUp:
		y++
	case MoveDown:
		y--
	}
	if x < 0 || x >= GridSize || y < 0 || y >= GridSize {
		return OutOfBounds, s.PlayerX, s.PlayerY
	}
	s.PlayerX, s.PlayerY = x, y
	return Moved, x, y
}

// Discover flags and returns the first undiscovered treasure at the
// player's current position, or nil if there is none.
func (s *State) Discover() *Treasure {
	for i := range s.Treasures {
		t := &s.Treasures[i]
		if !t.Discovered && t.X == s.PlayerX && t.Y == s.PlayerY {
			t.Discovered = true
			return t
		}
	}
	return nil
}

// UndiscoveredCount reports how many treasures remain unclaimed.
func (s *State) UndiscoveredCount() int {
	n := 0
	for _, t := range s.Treasures {
		if !t.Discovered {
			n++
		}
	}
	return n
}

// Respond runs the full per-move response policy: reject out-of-bounds
// moves, otherwise commit the move and check for a discovery.
func (s *State) Respond(dir Direction) (Response, *Treasure) {
	outcome, _, _ := s.TryMove(dir)
	if outcome == OutOfBounds {
		return ResponseRejected, nil
	}
	if t := s.Discover(); t != nil {
		return ResponseTreasureFound, t
	}
	return ResponseMoved, nil
}
