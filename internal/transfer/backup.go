package transfer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/lanquest/treasurehunt/internal/channel"
	"github.com/lanquest/treasurehunt/internal/metrics"
	"github.com/lanquest/treasurehunt/pkg/frame"
	"github.com/lanquest/treasurehunt/pkg/logger"
)

// SendBackup uploads the file at path to a receiver using the backup
// variant's bootstrap: BACKUP{basename,NUL,total_size} confirmed by
// ACK then OK_SIZE, DATA chunks confirmed by OK, END_TX confirmed by
// OK_CHSUM. Grounded in original_source/client.c's backup_file.
func SendBackup(ch *channel.Channel, seq *frame.SeqCounter, path string) (Stats, error) {
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
	basename := filepath.Base(path)
	logger.InfoCyan("backup %s: starting %q (%d bytes)", txID, basename, info.Size())

	payload := make([]byte, len(basename)+1+8)
	copy(payload, basename)
	binary.BigEndian.PutUint64(payload[len(basename)+1:], uint64(info.Size()))

	backupSeq := seq.Next()
	gotOKSize := false
	for attempt := 0; attempt <= ch.MaxRetries() && !gotOKSize; attempt++ {
		backupPkt := frame.NewPacket(backupSeq, frame.TypeBackup, payload)
		if err := ch.Send(backupPkt); err != nil {
			return stats, fmt.Errorf("backup %s: send BACKUP: %w", txID, err)
		}
		resp, rerr := ch.RecvRaw(time.Now().Add(recvDeadline))
		if rerr == nil && resp.Type == frame.TypeOKSize {
			gotOKSize = true
		}
	}
	if !gotOKSize {
		return stats, fmt.Errorf("backup %s: no OK_SIZE after %d attempts", txID, ch.MaxRetries()+1)
	}

	if err := streamBackupData(ch, seq, f, &stats); err != nil {
		return stats, fmt.Errorf("backup %s: %w", txID, err)
	}

	endPkt := frame.NewPacket(seq.Next(), frame.TypeEndTx, nil)
	if err := ch.SendExpect(endPkt, frame.TypeOKChsum, ch.MaxRetries()); err != nil {
		return stats, fmt.Errorf("backup %s: send END_TX: %w", txID, err)
	}

	logger.InfoCyan("backup %s: complete, %s", txID, stats.Summary())
	return stats, nil
}

func streamBackupData(ch *channel.Channel, seq *frame.SeqCounter, f *os.File, stats *Stats) error {
	buf := make([]byte, frame.MaxDataSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunkSeq := seq.Next()
			dataPkt := frame.NewPacket(chunkSeq, frame.TypeData, buf[:n])
			if err := ch.SendExpect(dataPkt, frame.TypeOK, ch.DataMaxRetries()); err != nil {
				return fmt.Errorf("send backup DATA seq=%d: %w", chunkSeq, err)
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

// ReceiveBackup accepts an incoming backup upload. The BACKUP packet
// itself is read with channel.Recv, which ACKs it; unlike the game
// variant, every later frame is confirmed here (OK_SIZE, OK, OK_CHSUM)
// rather than by channel.Recv's ACK-everything behavior, since the
// backup sub-protocol's confirmation types are not plain ACKs.
func ReceiveBackup(ch *channel.Channel, stagingDir, destDir string) (Stats, error) {
	stats := Stats{StartedAt: time.Now()}

	backupPkt, err := ch.Recv(time.Now().Add(recvDeadline))
	if err != nil {
		return stats, fmt.Errorf("transfer: recv BACKUP: %w", err)
	}
	if backupPkt.Type != frame.TypeBackup {
		return stats, fmt.Errorf("transfer: expected BACKUP, got %s", backupPkt.Type)
	}

	basename, totalSize, err := parseBackupPayload(backupPkt.Payload())
	if err != nil {
		return stats, err
	}

	if avail, ferr := freeSpace(stagingDir); ferr == nil && avail < totalSize {
		errPkt := frame.NewPacket(backupPkt.Seq, frame.TypeError, []byte{byte(frame.ErrNoSpace)})
		ch.SendUnacked(errPkt)
		return stats, fmt.Errorf("transfer: insufficient free space under %q (need %d, have %d)", stagingDir, totalSize, avail)
	}

	filename := sanitizeFilename(basename)
	if filename == "" {
		return stats, fmt.Errorf("transfer: empty or unsafe filename")
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return stats, fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return stats, fmt.Errorf("create dest dir: %w", err)
	}

	tmpPath := filepath.Join(stagingDir, filename+"."+xid.New().String()+".part")
	out, err := os.Create(tmpPath)
	if err != nil {
		return stats, fmt.Errorf("create staging file: %w", err)
	}
	ok := false
	defer func() {
		out.Close()
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	okSize := frame.NewPacket(backupPkt.Seq, frame.TypeOKSize, nil)
	if err := ch.SendUnacked(okSize); err != nil {
		return stats, fmt.Errorf("send OK_SIZE: %w", err)
	}

	expectedSeq := (backupPkt.Seq + 1) & 0x1F
	consecutiveTimeouts := 0

	for {
		pkt, rerr := ch.RecvRaw(time.Now().Add(recvDeadline))
		if rerr != nil {
			consecutiveTimeouts++
			if consecutiveTimeouts >= maxConsecutiveTimeouts {
				return stats, fmt.Errorf("transfer: %d consecutive recv timeouts", consecutiveTimeouts)
			}
			continue
		}
		consecutiveTimeouts = 0

		switch pkt.Type {
		case frame.TypeEndTx:
			chsum := frame.NewPacket(pkt.Seq, frame.TypeOKChsum, nil)
			ch.SendUnacked(chsum)
			if err := out.Close(); err != nil {
				return stats, fmt.Errorf("close staging file: %w", err)
			}
			finalPath := filepath.Join(destDir, filename)
			if err := os.Rename(tmpPath, finalPath); err != nil {
				return stats, fmt.Errorf("rename into %q: %w", destDir, err)
			}
			ok = true
			return stats, nil
		case frame.TypeData:
			ack := frame.NewPacket(pkt.Seq, frame.TypeOK, nil)
			ch.SendUnacked(ack)
			if pkt.Seq != expectedSeq {
				continue
			}
			n, werr := out.Write(pkt.Payload())
			if werr != nil {
				return stats, fmt.Errorf("write staging file: %w", werr)
			}
			stats.recordChunk(n, pkt.Seq)
			metrics.BytesTransferred.Add(float64(n))
			expectedSeq = (expectedSeq + 1) & 0x1F
		default:
			// unexpected frame mid-stream, no confirmation sent, ignored.
		}
	}
}

func parseBackupPayload(payload []byte) (basename string, totalSize uint64, err error) {
	nul := -1
	for i, b := range payload {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 || len(payload) < nul+1+8 {
		return "", 0, fmt.Errorf("transfer: malformed BACKUP payload")
	}
	basename = string(payload[:nul])
	totalSize = binary.BigEndian.Uint64(payload[nul+1 : nul+9])
	return basename, totalSize, nil
}
