// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import "fmt"

// sendScratchSize is the size of the stack scratch buffer offered to the
// transaction; payloads that fit avoid a heap allocation on the hot path.
const sendScratchSize = 512

// dispatchSend validates a send parameter block, builds the transaction,
// and commits it to every destination or none. The caller holds the peer
// lock shared with an active reference acquired.
func (p *Peer) dispatchSend(d *Domain, caller *Caller, arg uint64) (err error) {
	defer func() {
		if err != nil {
			d.metrics.sendErrs.Add(1)
		}
	}()

	info := p.Dereference()

	blk, err := caller.importFixed(arg, sendSize)
	if err != nil {
		return err
	}
	var param SendRequest
	if err := param.UnmarshalBinary(blk); err != nil {
		return err
	}

	if param.Flags&^uint64(sendFlagMask) != 0 {
		return fmt.Errorf("unknown send flags %#x: %w", param.Flags, ErrInvalidArgument)
	}
	// Basic limits; also forecloses integer overflow below.
	if param.NVecs > VecMax || param.NFDs > FDMax {
		return fmt.Errorf("send limits exceeded: %w", ErrInvalidArgument)
	}
	// Every caller pointer must survive the platform pointer width.
	if !fitsPtr(param.PtrDestinations) || !fitsPtr(param.PtrVecs) ||
		!fitsPtr(param.PtrHandles) || !fitsPtr(param.PtrFDs) {
		return ErrFault
	}

	var scratch [sendScratchSize]byte
	tx, err := newTransaction(info, d, caller, &param, scratch[:])
	if err != nil {
		return err
	}
	defer tx.free()

	sender := info.user
	if param.NDestinations == 1 {
		// Fastpath: unicast.
		dest, err := caller.readU64(param.PtrDestinations)
		if err != nil {
			return err // faults are always fatal
		}
		if err := tx.commitForID(sender, dest, param.Flags); err != nil {
			return err
		}
	} else {
		for i := uint64(0); i < param.NDestinations; i++ {
			dest, err := caller.readU64(param.PtrDestinations + 8*i)
			if err != nil {
				return err // faults are always fatal
			}
			if err := tx.instantiate(sender, dest, param.Flags); err != nil {
				return err
			}
		}
		tx.commit()
	}

	d.metrics.sends.Add(1)
	return nil
}
