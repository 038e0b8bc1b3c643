package imaging

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ubackup/ubackup/internal/util"
)

const ddBlockSize = "4M"

// DD images devices with dd, streaming through stdout so no raw image is
// ever materialized on disk.
type DD struct{}

func NewDD() *DD { return &DD{} }

func (d *DD) Inspect(ctx context.Context, device string) (DiskInfo, error) {
	if _, err := os.Stat(device); err != nil {
		return DiskInfo{}, fmt.Errorf("device %s: %w", device, err)
	}
	size, err := deviceSize(ctx, device)
	if err != nil {
		return DiskInfo{}, err
	}
	mounted, err := anyPartitionMounted(device)
	if err != nil {
		return DiskInfo{}, err
	}
	return DiskInfo{Device: device, SizeBytes: size, Mounted: mounted}, nil
}

func (d *DD) Dump(ctx context.Context, device string) (*Stream, error) {
	if err := util.RequireBinary("dd"); err != nil {
		return nil, err
	}
	cmd := util.Command(ctx, "dd", []string{"if=" + device, "bs=" + ddBlockSize}, nil)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Stream{Reader: stdout, Wait: cmd.Wait}, nil
}

func (d *DD) OpenTarget(ctx context.Context, device string) (*Target, error) {
	file, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &Target{Writer: &syncWriter{file: file}, Device: device}, nil
}

// syncWriter fsyncs on close so completion is only reported after the device
// confirms durable writes.
type syncWriter struct {
	file *os.File
}

func (w *syncWriter) Write(p []byte) (int, error) { return w.file.Write(p) }

func (w *syncWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func deviceSize(ctx context.Context, device string) (int64, error) {
	if err := util.RequireBinary("lsblk"); err != nil {
		return 0, err
	}
	out, err := util.Command(ctx, "lsblk", []string{"-b", "-d", "-n", "-o", "SIZE", device}, nil).Output()
	if err != nil {
		return 0, fmt.Errorf("lsblk %s: %w", device, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse device size: %w", err)
	}
	return size, nil
}

// anyPartitionMounted scans /proc/mounts for the device or any partition of
// it. Imaging a mounted filesystem yields an inconsistent copy.
func anyPartitionMounted(device string) (bool, error) {
	file, err := os.Open("/proc/mounts")
	if err != nil {
		return false, err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], device) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// DetectRootDisk resolves the disk backing the root filesystem, stripping
// the partition suffix (/dev/sda1 -> /dev/sda, /dev/nvme0n1p2 -> /dev/nvme0n1).
func DetectRootDisk(ctx context.Context) (string, error) {
	out, err := util.Command(ctx, "df", []string{"/", "--output=source"}, nil).Output()
	if err != nil {
		return "", fmt.Errorf("detect root device: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return "", fmt.Errorf("unexpected df output")
	}
	device := strings.TrimSpace(lines[len(lines)-1])
	return StripPartition(device), nil
}

// StripPartition removes a trailing partition number from a device path.
func StripPartition(device string) string {
	if strings.HasPrefix(device, "/dev/nvme") || strings.HasPrefix(device, "/dev/mmcblk") {
		if idx := strings.LastIndex(device, "p"); idx > 0 && isDigits(device[idx+1:]) {
			return device[:idx]
		}
		return device
	}
	return strings.TrimRight(device, "0123456789")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ListDisks enumerates whole disks available as restore targets.
func ListDisks(ctx context.Context) ([]DiskInfo, error) {
	if err := util.RequireBinary("lsblk"); err != nil {
		return nil, err
	}
	out, err := util.Command(ctx, "lsblk", []string{"-b", "-d", "-n", "-o", "NAME,SIZE,TYPE"}, nil).Output()
	if err != nil {
		return nil, err
	}
	var disks []DiskInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[2] != "disk" {
			continue
		}
		size, _ := strconv.ParseInt(fields[1], 10, 64)
		disks = append(disks, DiskInfo{Device: "/dev/" + fields[0], SizeBytes: size})
	}
	return disks, nil
}
