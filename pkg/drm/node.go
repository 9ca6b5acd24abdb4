package drm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Node identifies a DRM device by its kernel device number. Two nodes
// derived from the same device number compare equal, which makes Node
// usable as a map key across hotplug events.
type Node uint64

// NodeFromDevNum wraps a raw kernel device number.
func NodeFromDevNum(dev uint64) Node {
	return Node(dev)
}

// NodeFromPath stats a device file and derives its node.
func NodeFromPath(path string) (Node, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return 0, fmt.Errorf("%s is not a character device", path)
	}
	return Node(st.Rdev), nil
}

// DevNum returns the raw kernel device number.
func (n Node) DevNum() uint64 { return uint64(n) }

// Major returns the device major number.
func (n Node) Major() uint32 { return unix.Major(uint64(n)) }

// Minor returns the device minor number.
func (n Node) Minor() uint32 { return unix.Minor(uint64(n)) }

// IsRender reports whether the node is a render node (/dev/dri/renderD*).
// DRM reserves minors 128-191 for render nodes.
func (n Node) IsRender() bool {
	return n.Minor() >= 128 && n.Minor() < 192
}

// sysDir returns the sysfs directory for this character device.
func (n Node) sysDir() string {
	return fmt.Sprintf("/sys/dev/char/%d:%d", n.Major(), n.Minor())
}

// Name resolves the kernel name of the node (e.g. "card0", "renderD128").
func (n Node) Name() (string, error) {
	target, err := os.Readlink(n.sysDir())
	if err != nil {
		return "", fmt.Errorf("resolve node %s: %w", n, err)
	}
	return filepath.Base(target), nil
}

// Path returns the /dev path of the node.
func (n Node) Path() (string, error) {
	name, err := n.Name()
	if err != nil {
		return "", err
	}
	return filepath.Join("/dev/dri", name), nil
}

func (n Node) String() string {
	if name, err := n.Name(); err == nil {
		return name
	}
	return fmt.Sprintf("%d:%d", n.Major(), n.Minor())
}

// RenderNode resolves the render node backing this device. A render node
// resolves to itself; a card node is resolved through its sysfs device
// directory.
func (n Node) RenderNode() (Node, error) {
	if n.IsRender() {
		return n, nil
	}
	drmDir := filepath.Join(n.sysDir(), "device", "drm")
	entries, err := os.ReadDir(drmDir)
	if err != nil {
		return 0, fmt.Errorf("list drm nodes for %s: %w", n, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "renderD") {
			return NodeFromPath(filepath.Join("/dev/dri", e.Name()))
		}
	}
	return 0, fmt.Errorf("no render node for %s", n)
}

// AllGPUs lists the card nodes present under /dev/dri in name order.
func AllGPUs() ([]string, error) {
	paths, err := filepath.Glob("/dev/dri/card*")
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// PrimaryGPU picks the default GPU for a seat: the boot VGA device if the
// kernel marks one, otherwise the first card. The seat name is accepted for
// parity with the session but multi-seat assignment is not consulted.
func PrimaryGPU(seat string) (string, error) {
	paths, err := AllGPUs()
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no GPUs on seat %s", seat)
	}
	for _, p := range paths {
		node, err := NodeFromPath(p)
		if err != nil {
			continue
		}
		bootVGA := filepath.Join(node.sysDir(), "device", "boot_vga")
		if data, err := os.ReadFile(bootVGA); err == nil && strings.TrimSpace(string(data)) == "1" {
			return p, nil
		}
	}
	return paths[0], nil
}
