// Package transfer implements the file-transfer sub-protocol layered
// on top of internal/channel: the three-phase treasure delivery (size
// handshake, filename, ordered DATA stream, END_FILE) and the backup
// variant's BACKUP/OK_SIZE/OK/OK_CHSUM handshake.
package transfer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/lanquest/treasurehunt/internal/channel"
	"github.com/lanquest/treasurehunt/internal/metrics"
	"github.com/lanquest/treasurehunt/pkg/frame"
	"github.com/lanquest/treasurehunt/pkg/logger"
)

// dataPacingDelay is the short fixed sleep between DATA chunks that
// keeps a heavy burst from saturating the kernel send buffer.
const dataPacingDelay = 2 * time.Millisecond

// recvDeadline is the per-recv timeout during the data/control phases
// of a transfer.
const recvDeadline = 2 * time.Second

// maxConsecutiveTimeouts bounds how many recvDeadline periods a
// receiver will wait with no progress before giving up on a transfer.
const maxConsecutiveTimeouts = 15

// Stats tracks the running state of one transfer, for the final
// summary line; nothing reports progress mid-transfer (original_source/client.c's
// TransferStats, dropped from the distilled spec and restored here).
type Stats struct {
	Bytes      int64
	Chunks     int
	StartedAt  time.Time
	CurrentSeq uint8
}

func (s *Stats) recordChunk(n int, seq uint8) {
	s.Bytes += int64(n)
	s.Chunks++
	s.CurrentSeq = seq
}

// Summary renders a one-line human-readable report of a completed or
// aborted transfer.
func (s Stats) Summary() string {
	elapsed := time.Since(s.StartedAt).Round(time.Millisecond)
	return fmt.Sprintf("%d bytes in %d chunks over %s (last seq=%d)", s.Bytes, s.Chunks, elapsed, s.CurrentSeq)
}

// SendGameFile delivers the file at path as a treasure reward,
// carrying the client's new grid position {x,y} in the SIZE packet so
// the client learns it atomically with the transfer start.
func SendGameFile(ch *channel.Channel, seq *frame.SeqCounter, path string, pos [2]byte) (Stats, error) {
	stats := Stats{StartedAt: time.Now()}

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("transfer: open %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return stats, fmt.Errorf("transfer: stat %q: %w", path, err)
	}

	txID := uuid.NewString()
	logger.InfoCyan("transfer %s: starting %q (%d bytes)", txID, filepath.Base(path), info.Size())

	sizePayload := make([]byte, 6)
	binary.BigEndian.PutUint32(sizePayload[:4], uint32(info.Size()))
	sizePayload[4], sizePayload[5] = pos[0], pos[1]

	sizePkt := frame.NewPacket(seq.Next(), frame.TypeSize, sizePayload)
	if err := ch.SendUnacked(sizePkt); err != nil {
		return stats, fmt.Errorf("transfer %s: send SIZE: %w", txID, err)
	}

	namePkt := frame.NewPacket(seq.Next(), frame.ClassifyFile(path), []byte(filepath.Base(path)))
	if err := ch.Send(namePkt); err != nil {
		return stats, fmt.Errorf("transfer %s: send filename: %w", txID, err)
	}

	if err := streamData(ch, seq, f, &stats); err != nil {
		return stats, fmt.Errorf("transfer %s: %w", txID, err)
	}

	endPkt := frame.NewPacket(seq.Next(), frame.TypeEndFile, nil)
	if err := ch.Send(endPkt); err != nil {
		return stats, fmt.Errorf("transfer %s: send END_FILE: %w", txID, err)
	}

	logger.InfoCyan("transfer %s: complete, %s", txID, stats.Summary())
	return stats, nil
}

// ReceiveGameFile completes a treasure delivery after the caller's own
// event loop has already unpacked the sender's un-acked SIZE frame —
// the receiver is blocked there, not in the reliable channel, per the
// fire-and-synchronize exception. It ACKs once, precomputes free
// space, and on success receives filename/data/end-of-file over the
// full reliable channel, writing the finished file into destDir.
func ReceiveGameFile(ch *channel.Channel, sizePkt frame.Packet, stagingDir, destDir string) (Stats, error) {
	stats := Stats{StartedAt: time.Now()}

	payload := sizePkt.Payload()
	if len(payload) < 4 {
		return stats, fmt.Errorf("transfer: malformed SIZE payload (%d bytes)", len(payload))
	}
	fileSize := binary.BigEndian.Uint32(payload[:4])

	ch.AckSeq(sizePkt.Seq)

	if avail, err := freeSpace(stagingDir); err == nil && avail < uint64(fileSize) {
		errPkt := frame.NewPacket(sizePkt.Seq, frame.TypeError, []byte{byte(frame.ErrNoSpace)})
		ch.SendUnacked(errPkt)
		return stats, fmt.Errorf("transfer: insufficient free space under %q (need %d, have %d)", stagingDir, fileSize, avail)
	}

	namePkt, err := ch.Recv(time.Now().Add(recvDeadline))
	if err != nil {
		return stats, fmt.Errorf("transfer: recv filename: %w", err)
	}

	return stats, receiveStream(ch, namePkt, stagingDir, destDir, &stats)
}

// streamData reads f to EOF, sending each chunk as a DATA packet.
func streamData(ch *channel.Channel, seq *frame.SeqCounter, f *os.File, stats *Stats) error {
	buf := make([]byte, frame.MaxDataSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunkSeq := seq.Next()
			dataPkt := frame.NewPacket(chunkSeq, frame.TypeData, buf[:n])
			if err := ch.SendData(dataPkt); err != nil {
				return fmt.Errorf("send DATA seq=%d: %w", chunkSeq, err)
			}
			stats.recordChunk(n, chunkSeq)
			metrics.BytesTransferred.Add(float64(n))
			time.Sleep(dataPacingDelay)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read source file: %w", rerr)
		}
	}
}

// receiveStream drives the game variant's expected_seq in-order write
// logic (ReceiveBackup runs its own loop): namePkt has already been
// received and ACKed by the caller's ch.Recv; this loop consumes DATA
// frames until END_FILE (or END_TX) arrives, writing into a staged
// temp file that is atomically renamed into destDir on success.
func receiveStream(ch *channel.Channel, namePkt frame.Packet, stagingDir, destDir string, stats *Stats) error {
	filename := sanitizeFilename(string(namePkt.Payload()))
	if filename == "" {
		return fmt.Errorf("transfer: empty or unsafe filename")
	}

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}

	tmpPath := filepath.Join(stagingDir, filename+"."+xid.New().String()+".part")
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	ok := false
	defer func() {
		out.Close()
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	expectedSeq := (namePkt.Seq + 1) & 0x1F
	consecutiveTimeouts := 0

	for {
		pkt, err := ch.Recv(time.Now().Add(recvDeadline))
		if err != nil {
			consecutiveTimeouts++
			if consecutiveTimeouts >= maxConsecutiveTimeouts {
				return fmt.Errorf("transfer: %d consecutive recv timeouts", consecutiveTimeouts)
			}
			continue
		}
		consecutiveTimeouts = 0

		switch pkt.Type {
		case frame.TypeEndFile, frame.TypeEndTx:
			finalPath := filepath.Join(destDir, filename)
			if err := out.Close(); err != nil {
				return fmt.Errorf("close staging file: %w", err)
			}
			if err := os.Rename(tmpPath, finalPath); err != nil {
				return fmt.Errorf("rename into %q: %w", destDir, err)
			}
			ok = true
			return nil
		case frame.TypeData:
			if pkt.Seq != expectedSeq {
				continue // already ACKed by Recv; duplicate or out-of-order, discard
			}
			n, werr := out.Write(pkt.Payload())
			if werr != nil {
				return fmt.Errorf("write staging file: %w", werr)
			}
			stats.recordChunk(n, pkt.Seq)
			metrics.BytesTransferred.Add(float64(n))
			expectedSeq = (expectedSeq + 1) & 0x1F
		default:
			// unexpected control frame mid-stream; already ACKed, ignored.
		}
	}
}

// sanitizeFilename strips any directory components a malicious or
// buggy peer might smuggle into a filename packet, so a transfer can
// never write outside stagingDir/destDir.
func sanitizeFilename(name string) string {
	return filepath.Base(filepath.Clean(name))
}

// freeSpace reports available bytes on the filesystem backing dir. A
// package var, not a plain function, so tests can stub out the syscall
// without needing a filesystem actually near capacity.
var freeSpace = func(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %q: %w", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
