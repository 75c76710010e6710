package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// deadPID is above pid_max on every Linux configuration, so it can never
// name a live process.
const deadPID = 99999999

func tempPIDPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "fieldlocd.pid")
}

func TestCreateWritesOwnPID(t *testing.T) {
	f := New(tempPIDPath(t))

	if err := f.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}

	pid, err := f.ReadPID()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}

	if err := f.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(f.Path()); !os.IsNotExist(err) {
		t.Fatal("pid file still present after remove")
	}
}

func TestCreateReplacesStaleFile(t *testing.T) {
	path := tempPIDPath(t)
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", deadPID)), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	f := New(path)
	if err := f.Create(); err != nil {
		t.Fatalf("create over stale file: %v", err)
	}

	pid, err := f.ReadPID()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestCreateRefusesLiveInstance(t *testing.T) {
	path := tempPIDPath(t)
	// our own PID is by definition live
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatalf("seed live file: %v", err)
	}

	f := New(path)
	err := f.Create()
	if err == nil {
		t.Fatal("create succeeded over a live instance")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Fatalf("error = %v", err)
	}
}

func TestCheckRunning(t *testing.T) {
	path := tempPIDPath(t)
	f := New(path)

	running, _, err := f.CheckRunning()
	if err != nil || running {
		t.Fatalf("missing file: running=%v err=%v", running, err)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	running, pid, err := f.CheckRunning()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !running || pid != os.Getpid() {
		t.Fatalf("running=%v pid=%d", running, pid)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", deadPID)), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	running, pid, err = f.CheckRunning()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if running || pid != deadPID {
		t.Fatalf("running=%v pid=%d, want stale", running, pid)
	}
}

func TestRemoveRefusesForeignPID(t *testing.T) {
	path := tempPIDPath(t)
	f := New(path)
	if err := f.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}

	// simulate another process rewriting the file
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", deadPID)), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	if err := f.Remove(); err == nil {
		t.Fatal("remove succeeded on foreign pid file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("foreign pid file was deleted")
	}

	if err := f.ForceRemove(); err != nil {
		t.Fatalf("force remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("force remove left file behind")
	}
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	path := tempPIDPath(t)
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	f := New(path)
	if _, err := f.ReadPID(); err == nil {
		t.Fatal("garbage pid accepted")
	}
}
