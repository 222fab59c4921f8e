package testutil

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	protonsync "github.com/protonsync/protondrive-sync/internal/sync"
)

// fakeNode is one in-memory remote object tracked by FakeRemoteDriver.
type fakeNode struct {
	nodeUID  string
	parent   string
	name     string
	isDir    bool
	size     int64
	mtimeMs  int64
	revision int
	deleted  bool
}

// FakeRemoteDriver is an in-memory stand-in for a real encrypted-transport
// client, keyed by remote path. It never returns a categorized error itself;
// tests set Fail to inject one for a given (method, remotePath) to exercise
// the classification and retry paths.
type FakeRemoteDriver struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode // keyed by remote path
	seq   int

	// Fail, if non-nil, is consulted before every call. A non-nil return
	// makes that call fail with the given error.
	Fail func(method, remotePath string) error
}

// NewFakeRemoteDriver builds an empty FakeRemoteDriver rooted at "/".
func NewFakeRemoteDriver() *FakeRemoteDriver {
	return &FakeRemoteDriver{
		nodes: map[string]*fakeNode{
			"/": {nodeUID: "root", isDir: true},
		},
	}
}

func (f *FakeRemoteDriver) nextUID() string {
	f.seq++
	return fmt.Sprintf("uid-%d", f.seq)
}

func (f *FakeRemoteDriver) fail(method, remotePath string) error {
	if f.Fail == nil {
		return nil
	}

	return f.Fail(method, remotePath)
}

// EnsurePathFolders creates every missing directory component of remotePath
// and returns the nodeUID of its deepest (possibly newly created) folder.
func (f *FakeRemoteDriver) EnsurePathFolders(ctx context.Context, remotePath string) (string, error) {
	if err := f.fail("EnsurePathFolders", remotePath); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	clean := path.Clean(remotePath)
	if clean == "." || clean == "/" {
		return f.nodes["/"].nodeUID, nil
	}

	cur := "/"
	curUID := f.nodes["/"].nodeUID

	for _, part := range strings.Split(strings.Trim(clean, "/"), "/") {
		if part == "" {
			continue
		}

		cur = path.Join(cur, part)

		n, ok := f.nodes[cur]
		if !ok || n.deleted {
			n = &fakeNode{nodeUID: f.nextUID(), parent: curUID, name: part, isDir: true}
			f.nodes[cur] = n
		}

		curUID = n.nodeUID
	}

	return curUID, nil
}

// CreateFile registers a new file node at parentNodeUID/name.
func (f *FakeRemoteDriver) CreateFile(ctx context.Context, parentNodeUID, name string, content io.Reader, size int64, mtimeMs int64) (string, error) {
	remotePath := f.pathFor(parentNodeUID, name)

	if err := f.fail("CreateFile", remotePath); err != nil {
		return "", err
	}

	if _, err := io.Copy(io.Discard, content); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n := &fakeNode{nodeUID: f.nextUID(), parent: parentNodeUID, name: name, size: size, mtimeMs: mtimeMs, revision: 1}
	f.nodes[remotePath] = n

	return n.nodeUID, nil
}

// CreateFolder registers a new directory node at parentNodeUID/name.
func (f *FakeRemoteDriver) CreateFolder(ctx context.Context, parentNodeUID, name string) (string, error) {
	remotePath := f.pathFor(parentNodeUID, name)

	if err := f.fail("CreateFolder", remotePath); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n := &fakeNode{nodeUID: f.nextUID(), parent: parentNodeUID, name: name, isDir: true}
	f.nodes[remotePath] = n

	return n.nodeUID, nil
}

// UploadRevision replaces the content of an existing file node.
func (f *FakeRemoteDriver) UploadRevision(ctx context.Context, nodeUID string, content io.Reader, size int64, mtimeMs int64) error {
	if err := f.fail("UploadRevision", nodeUID); err != nil {
		return err
	}

	if _, err := io.Copy(io.Discard, content); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.findByUID(nodeUID)
	if !ok {
		return fmt.Errorf("testutil: fake driver: unknown node %q", nodeUID)
	}

	n.size = size
	n.mtimeMs = mtimeMs
	n.revision++

	return nil
}

// Delete removes remotePath's node. Idempotent: deleting an already-gone or
// never-existing path returns Existed=false without error.
func (f *FakeRemoteDriver) Delete(ctx context.Context, remotePath string, trashOnly bool) (protonsync.DeleteResult, error) {
	if err := f.fail("Delete", remotePath); err != nil {
		return protonsync.DeleteResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[remotePath]
	if !ok || n.deleted {
		return protonsync.DeleteResult{Existed: false}, nil
	}

	n.deleted = true

	for p, child := range f.nodes {
		if strings.HasPrefix(p, remotePath+"/") {
			child.deleted = true
		}
	}

	return protonsync.DeleteResult{Existed: true, Trashed: trashOnly}, nil
}

// Rename changes nodeUID's name in place.
func (f *FakeRemoteDriver) Rename(ctx context.Context, nodeUID, newName string) error {
	if err := f.fail("Rename", nodeUID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	oldPath, n, ok := f.pathAndNodeByUID(nodeUID)
	if !ok {
		return fmt.Errorf("testutil: fake driver: unknown node %q", nodeUID)
	}

	newPath := path.Join(path.Dir(oldPath), newName)
	f.movePath(oldPath, newPath)
	n.name = newName

	return nil
}

// Move reparents nodeUID under newParentNodeUID and renames it.
func (f *FakeRemoteDriver) Move(ctx context.Context, nodeUID, newParentNodeUID, newName string) error {
	if err := f.fail("Move", nodeUID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	oldPath, n, ok := f.pathAndNodeByUID(nodeUID)
	if !ok {
		return fmt.Errorf("testutil: fake driver: unknown node %q", nodeUID)
	}

	newParentPath, _, ok := f.pathAndNodeByUID(newParentNodeUID)
	if !ok {
		newParentPath = "/"
	}

	newPath := path.Join(newParentPath, newName)
	f.movePath(oldPath, newPath)
	n.parent = newParentNodeUID
	n.name = newName

	return nil
}

// ListChildren lists the non-deleted direct children of nodeUID.
func (f *FakeRemoteDriver) ListChildren(ctx context.Context, nodeUID string) ([]protonsync.RemoteChild, error) {
	if err := f.fail("ListChildren", nodeUID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var children []protonsync.RemoteChild

	for _, n := range f.nodes {
		if n.parent == nodeUID && !n.deleted {
			children = append(children, protonsync.RemoteChild{NodeUID: n.nodeUID, Name: n.name, IsDir: n.isDir})
		}
	}

	return children, nil
}

// movePath relocates every node whose path is oldPath or under it to the
// equivalent path under newPath. Caller must hold f.mu.
func (f *FakeRemoteDriver) movePath(oldPath, newPath string) {
	moved := make(map[string]*fakeNode)

	for p, n := range f.nodes {
		if p == oldPath {
			moved[newPath] = n
			continue
		}

		if strings.HasPrefix(p, oldPath+"/") {
			moved[newPath+strings.TrimPrefix(p, oldPath)] = n
			continue
		}

		moved[p] = n
	}

	f.nodes = moved
}

func (f *FakeRemoteDriver) pathFor(parentNodeUID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	for p, n := range f.nodes {
		if n.nodeUID == parentNodeUID {
			return path.Join(p, name)
		}
	}

	return path.Join("/", name)
}

func (f *FakeRemoteDriver) findByUID(nodeUID string) (*fakeNode, bool) {
	for _, n := range f.nodes {
		if n.nodeUID == nodeUID {
			return n, true
		}
	}

	return nil, false
}

func (f *FakeRemoteDriver) pathAndNodeByUID(nodeUID string) (string, *fakeNode, bool) {
	for p, n := range f.nodes {
		if n.nodeUID == nodeUID {
			return p, n, true
		}
	}

	return "", nil, false
}

// FakeCredentialProvider returns a fixed Session, for tests that need a
// CredentialProvider but don't exercise real authentication.
type FakeCredentialProvider struct {
	SessionID string
}

func (f *FakeCredentialProvider) Session(ctx context.Context) (protonsync.Session, error) {
	return protonsync.Session{ID: f.SessionID}, nil
}
