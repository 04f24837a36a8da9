package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanquest/treasurehunt/internal/channel"
	"github.com/lanquest/treasurehunt/internal/linktest"
	"github.com/lanquest/treasurehunt/pkg/frame"
)

func fastChannelConfig() channel.Config {
	cfg := channel.DefaultConfig()
	cfg.InitialTimeout = 30 * time.Millisecond
	cfg.MaxTimeout = 90 * time.Millisecond
	cfg.TimeoutStep = 30 * time.Millisecond
	cfg.RetryPaceUnit = 2 * time.Millisecond
	cfg.DataAckGap = time.Millisecond
	return cfg
}

func TestSendGameFileRoundTrip(t *testing.T) {
	a, b := linktest.NewPair()
	senderCh := channel.New(a, fastChannelConfig())
	receiverCh := channel.New(b, fastChannelConfig())

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "1.txt")
	content := []byte("a treasure chest full of nothing but test bytes")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	stagingDir := t.TempDir()
	destDir := t.TempDir()

	var seq frame.SeqCounter
	sendErr := make(chan error, 1)
	go func() {
		_, err := SendGameFile(senderCh, &seq, srcPath, [2]byte{2, 0})
		sendErr <- err
	}()

	sizePkt, err := receiverCh.RecvRaw(time.Now().Add(2 * time.Second))
	require.NoError(t, err)
	require.Equal(t, frame.TypeSize, sizePkt.Type)
	require.Equal(t, []byte{2, 0}, sizePkt.Payload()[4:6])

	_, err = ReceiveGameFile(receiverCh, sizePkt, stagingDir, destDir)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	got, err := os.ReadFile(filepath.Join(destDir, "1.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestSendGameFileMultiChunkRoundTrip(t *testing.T) {
	a, b := linktest.NewPair()
	senderCh := channel.New(a, fastChannelConfig())
	receiverCh := channel.New(b, fastChannelConfig())

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "3.bin")
	content := make([]byte, frame.MaxDataSize*3+17)
	for i := range content {
		content[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	stagingDir := t.TempDir()
	destDir := t.TempDir()

	var seq frame.SeqCounter
	sendErr := make(chan error, 1)
	go func() {
		_, err := SendGameFile(senderCh, &seq, srcPath, [2]byte{5, 5})
		sendErr <- err
	}()

	sizePkt, err := receiverCh.RecvRaw(time.Now().Add(2 * time.Second))
	require.NoError(t, err)

	stats, err := ReceiveGameFile(receiverCh, sizePkt, stagingDir, destDir)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	require.Equal(t, 4, stats.Chunks)

	got, err := os.ReadFile(filepath.Join(destDir, "3.bin"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

// TestDuplicateDataDeliveryIsIdempotent exercises spec scenario 4: a
// dropped ACK causes the sender to retransmit a DATA chunk the
// receiver already processed; the duplicate must fail the
// expected_seq check and leave the file unchanged.
func TestDuplicateDataDeliveryIsIdempotent(t *testing.T) {
	a, b := linktest.NewPair()
	senderCh := channel.New(a, fastChannelConfig())
	receiverCh := channel.New(b, fastChannelConfig())

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "4.txt")
	content := make([]byte, frame.MaxDataSize) // exactly one DATA chunk
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	stagingDir := t.TempDir()
	destDir := t.TempDir()

	// Fake.Send consults the destination's Drop hook, so to swallow
	// the ACKs b sends back to a, the hook lives on a. Drop both
	// copies of the double-ACK for the single DATA chunk exactly once,
	// forcing the sender to time out and retransmit it.
	dataAcksDropped := 0
	a.Drop = func(wire [frame.WireSize]byte) bool {
		p, _ := frame.Unpack(wire[:])
		if p.Type == frame.TypeACK && p.Seq == 2 && dataAcksDropped < 2 {
			dataAcksDropped++
			return true
		}
		return false
	}

	var seq frame.SeqCounter
	sendErr := make(chan error, 1)
	go func() {
		_, err := SendGameFile(senderCh, &seq, srcPath, [2]byte{0, 0})
		sendErr <- err
	}()

	sizePkt, err := receiverCh.RecvRaw(time.Now().Add(2 * time.Second))
	require.NoError(t, err)

	_, err = ReceiveGameFile(receiverCh, sizePkt, stagingDir, destDir)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	require.Equal(t, 2, dataAcksDropped, "expected the DATA chunk's ACKs to be dropped once, forcing a retransmit")

	got, err := os.ReadFile(filepath.Join(destDir, "4.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got, "duplicate delivery must not corrupt or double-write the file")
}

func TestBackupRoundTrip(t *testing.T) {
	a, b := linktest.NewPair()
	initiatorCh := channel.New(a, fastChannelConfig())
	receiverCh := channel.New(b, fastChannelConfig())

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "notes.txt")
	content := []byte("backup payload, nothing treasure-related")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	stagingDir := t.TempDir()
	destDir := t.TempDir()

	var seq frame.SeqCounter
	sendErr := make(chan error, 1)
	go func() {
		_, err := SendBackup(initiatorCh, &seq, srcPath)
		sendErr <- err
	}()

	_, err := ReceiveBackup(receiverCh, stagingDir, destDir)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	got, err := os.ReadFile(filepath.Join(destDir, "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestReceiveGameFileRejectsInsufficientSpace(t *testing.T) {
	a, b := linktest.NewPair()
	receiverCh := channel.New(b, fastChannelConfig())

	original := freeSpace
	freeSpace = func(string) (uint64, error) { return 0, nil }
	defer func() { freeSpace = original }()

	var seq frame.SeqCounter
	sizePayload := make([]byte, 6)
	sizePayload[0], sizePayload[1], sizePayload[2], sizePayload[3] = 0, 0, 1, 0 // 256 bytes
	sizePkt := frame.NewPacket(seq.Next(), frame.TypeSize, sizePayload)
	require.NoError(t, a.Send(frame.Pack(sizePkt), nil))

	got, err := receiverCh.RecvRaw(time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = ReceiveGameFile(receiverCh, got, t.TempDir(), t.TempDir())
	require.Error(t, err)
}
