package receiver

import (
	"encoding/binary"

	"github.com/gokrazy/natsync/internal/generator"
	"github.com/gokrazy/natsync/internal/rsyncstats"
	"github.com/gokrazy/natsync/internal/rsyncwire"
)

// HandleControl processes an inline multiplexed control message arriving on
// the transfer-reply pipe (spec.md §6 "Codes 1-8..."), meant to be wired as
// a rsyncwire.MultiplexReader's Handler. NO_SEND is the only code this
// receiver acts on: the sender never follows it with an idx echo or token
// stream for the named file, so without this handler the index would be
// silently unaccounted for (spec.md §4.6 "Failure semantics"). The
// remaining codes are logged; the error codes (ERROR, ERROR_XFER, IO_ERROR)
// are also counted as a general I/O error.
func (rt *Transfer) HandleControl(msg rsyncwire.Message) error {
	switch msg.Code {
	case rsyncwire.MsgNoSend:
		return rt.handleNoSend(msg.Payload)
	case rsyncwire.MsgInfo, rsyncwire.MsgLog, rsyncwire.MsgWarning:
		rt.Opts.Logger.Printf("%s: %s", msg.Code, msg.Payload)
	case rsyncwire.MsgError, rsyncwire.MsgErrorXfer, rsyncwire.MsgIOError:
		rt.Opts.Logger.Printf("%s: %s", msg.Code, msg.Payload)
		rt.Stats.AddError(rsyncstats.IOErrorGeneral)
	case rsyncwire.MsgDeleted:
		rt.Opts.Logger.Printf("peer deleted: %s", msg.Payload)
	}
	return nil
}

func (rt *Transfer) handleNoSend(payload []byte) error {
	if len(payload) != 4 {
		return nil
	}
	idx := int32(binary.LittleEndian.Uint32(payload))
	entry, seg := rt.List.At(idx)
	if entry == nil {
		return nil
	}
	rt.Opts.Logger.Printf("NO_SEND: %s vanished on the sender", entry.Name)
	rt.Stats.AddError(rsyncstats.IOErrorVanished)
	rt.Gen.Enqueue(func(g *generator.Generator) error {
		return g.PurgeFile(seg, idx)
	})
	return nil
}
