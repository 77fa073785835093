package groupcomm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/groupcomm/collcomm"
	"github.com/unixpickle/groupcomm/device"
	"k8s.io/klog/v2"
)

// allocate creates the transfer buffers the first time
// they are needed. The host buffer only exists in Staged
// mode.
func (d *Descriptor[T]) allocate() error {
	if d.devBuf == nil {
		buf, err := device.Alloc[T](d.cfg.Device, d.bufSize)
		if err != nil {
			return errors.Wrapf(err, "groupcomm %s: transfer buffer of %d elements", d.ID, d.bufSize)
		}
		d.devBuf = buf
		klog.V(3).Infof("groupcomm %s: allocated device transfer buffer", d.ID)
	}
	if !d.cfg.DeviceAware && d.hostBuf == nil {
		d.hostBuf = make([]T, d.bufSize)
	}
	return nil
}

// transferRegion returns the part of the transfer buffer
// that the transport reads or writes in the current mode.
func (d *Descriptor[T]) transferRegion(offset, n int) collcomm.Buffer {
	if d.cfg.DeviceAware {
		return d.devBuf.Region(offset, n)
	}
	return collcomm.HostBuffer[T](d.hostBuf[offset : offset+n])
}

// stageOut makes packed device values visible to the
// transport and returns the region to send.
func (d *Descriptor[T]) stageOut(offset, n int) collcomm.Buffer {
	if d.cfg.DeviceAware {
		d.cfg.Device.Synchronize()
	} else {
		device.CopyToHost(d.devBuf, offset, d.hostBuf[offset:offset+n])
		d.chargeStaging(n)
	}
	return d.transferRegion(offset, n)
}

// stageIn makes received values visible to the unpack
// kernels. In Direct mode the transport has already
// queued its writes on the device stream.
func (d *Descriptor[T]) stageIn(offset, n int) {
	if d.cfg.DeviceAware {
		return
	}
	device.CopyFromHost(d.devBuf, offset, d.hostBuf[offset:offset+n])
	d.chargeStaging(n)
}

func (d *Descriptor[T]) chargeStaging(n int) {
	if d.cfg.StageRate == 0 || n == 0 {
		return
	}
	d.cfg.Comms.Handle.Sleep(float64(n*collcomm.SizeOf[T]()) / d.cfg.StageRate)
}
