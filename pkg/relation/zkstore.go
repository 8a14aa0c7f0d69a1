package relation

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const zkSessionTimeout = 15 * time.Second

// ZKStore keeps relation data in ZooKeeper.  The layout under the root is
//
//	<root>/<relation>/<id>        JSON {"apps": [...]}
//	<root>/<relation>/<id>/<app>  JSON databag object
//
// Watches are re-armed after every event; ZooKeeper watches are one-shot.
type ZKStore struct {
	conn     *zk.Conn
	root     string
	localApp string

	mu      sync.Mutex
	watched map[string]bool
}

type zkInstanceMeta struct {
	Apps []string `json:"apps"`
}

// NewZKStore connects to the given ensemble and ensures the root path exists.
func NewZKStore(servers []string, root, localApp string) (*ZKStore, error) {
	conn, _, err := zk.Connect(servers, zkSessionTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "connect to zookeeper")
	}
	s := &ZKStore{conn: conn, root: root, localApp: localApp, watched: map[string]bool{}}
	if err := s.ensurePath(root); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the ZooKeeper session.
func (s *ZKStore) Close() {
	s.conn.Close()
}

// List ...
func (s *ZKStore) List(relation string) ([]Instance, error) {
	relPath := path.Join(s.root, relation)
	children, _, err := s.conn.Children(relPath)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list children of %s", relPath)
	}

	out := make([]Instance, 0, len(children))
	for _, child := range children {
		id, err := strconv.Atoi(child)
		if err != nil {
			klog.Warningf("Ignoring znode %s with non-numeric instance ID", path.Join(relPath, child))
			continue
		}
		out = append(out, Instance{ID: id, RemoteApp: s.remoteAppOf(relation, id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoteData ...
func (s *ZKStore) RemoteData(relation string, id int) (Databag, error) {
	return s.readBag(relation, id, s.remoteAppOf(relation, id))
}

// LocalData ...
func (s *ZKStore) LocalData(relation string, id int) (Databag, error) {
	return s.readBag(relation, id, s.localApp)
}

// PutLocalData ...
func (s *ZKStore) PutLocalData(relation string, id int, data Databag) error {
	serialized, err := serializeBag(data)
	if err != nil {
		return errors.Wrapf(err, "serialize relation %s databag", relation)
	}
	appPath := s.bagPath(relation, id, s.localApp)
	if err := s.ensurePath(path.Dir(appPath)); err != nil {
		return err
	}
	_, err = s.conn.Set(appPath, []byte(serialized), -1)
	if err == zk.ErrNoNode {
		_, err = s.conn.Create(appPath, []byte(serialized), 0, zk.WorldACL(zk.PermAll))
	}
	return errors.Wrapf(err, "write %s", appPath)
}

// Watch ...
func (s *ZKStore) Watch(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		s.watchRelations(ctx, out)
	}()
	return out, nil
}

// watchRelations re-arms a children watch on the root and spawns one watcher
// per relation name as names appear.
func (s *ZKStore) watchRelations(ctx context.Context, out chan<- Event) {
	for ctx.Err() == nil {
		children, _, ch, err := s.conn.ChildrenW(s.root)
		if err != nil {
			klog.Errorf("Watching children of %s failed: %v", s.root, err)
			if !sleepCtx(ctx, rewatchBackoff) {
				return
			}
			continue
		}
		for _, relation := range children {
			if s.markWatched(path.Join(s.root, relation)) {
				go s.watchRelation(ctx, relation, out)
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

// watchRelation tracks the instance set of one relation name.
func (s *ZKStore) watchRelation(ctx context.Context, relation string, out chan<- Event) {
	relPath := path.Join(s.root, relation)
	for ctx.Err() == nil {
		children, _, ch, err := s.conn.ChildrenW(relPath)
		if err != nil {
			klog.Errorf("Watching children of %s failed: %v", relPath, err)
			if !sleepCtx(ctx, rewatchBackoff) {
				return
			}
			continue
		}
		for _, child := range children {
			id, err := strconv.Atoi(child)
			if err != nil {
				continue
			}
			if s.markWatched(path.Join(relPath, child)) {
				go s.watchInstance(ctx, relation, id, out)
				emit(ctx, out, Event{Relation: relation, ID: id})
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

// watchInstance watches the databag znodes of one instance and emits an
// event on every data change.
func (s *ZKStore) watchInstance(ctx context.Context, relation string, id int, out chan<- Event) {
	instPath := path.Join(s.root, relation, strconv.Itoa(id))
	for ctx.Err() == nil {
		children, _, ch, err := s.conn.ChildrenW(instPath)
		if err == zk.ErrNoNode {
			emit(ctx, out, Event{Relation: relation, ID: id})
			s.unmarkWatched(instPath)
			return
		}
		if err != nil {
			klog.Errorf("Watching children of %s failed: %v", instPath, err)
			if !sleepCtx(ctx, rewatchBackoff) {
				return
			}
			continue
		}
		for _, app := range children {
			appPath := path.Join(instPath, app)
			if s.markWatched(appPath) {
				go s.watchBag(ctx, relation, id, appPath, out)
			}
		}
		select {
		case <-ch:
			emit(ctx, out, Event{Relation: relation, ID: id})
		case <-ctx.Done():
			return
		}
	}
}

// watchBag re-arms a data watch on one databag znode.
func (s *ZKStore) watchBag(ctx context.Context, relation string, id int, appPath string, out chan<- Event) {
	for ctx.Err() == nil {
		_, _, ch, err := s.conn.GetW(appPath)
		if err == zk.ErrNoNode {
			s.unmarkWatched(appPath)
			return
		}
		if err != nil {
			klog.Errorf("Watching %s failed: %v", appPath, err)
			if !sleepCtx(ctx, rewatchBackoff) {
				return
			}
			continue
		}
		select {
		case event := <-ch:
			if event.Type == zk.EventNodeDataChanged || event.Type == zk.EventNodeDeleted {
				emit(ctx, out, Event{Relation: relation, ID: id})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *ZKStore) readBag(relation string, id int, app string) (Databag, error) {
	if app == "" {
		return Databag{}, nil
	}
	raw, _, err := s.conn.Get(s.bagPath(relation, id, app))
	if err == zk.ErrNoNode {
		return Databag{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read databag of %s on relation %s instance %d", app, relation, id)
	}
	return parseBag(string(raw))
}

// remoteAppOf reads the instance metadata znode and returns the first listed
// application that is not the local one, empty when the metadata is missing
// or unparseable.
func (s *ZKStore) remoteAppOf(relation string, id int) string {
	raw, _, err := s.conn.Get(path.Join(s.root, relation, strconv.Itoa(id)))
	if err != nil {
		return ""
	}
	var meta zkInstanceMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	for _, app := range meta.Apps {
		if app != "" && app != s.localApp {
			return app
		}
	}
	return ""
}

func (s *ZKStore) bagPath(relation string, id int, app string) string {
	return path.Join(s.root, relation, strconv.Itoa(id), app)
}

func (s *ZKStore) ensurePath(p string) error {
	if p == "/" || p == "" {
		return nil
	}
	exists, _, err := s.conn.Exists(p)
	if err != nil {
		return errors.Wrapf(err, "check %s", p)
	}
	if exists {
		return nil
	}
	if err := s.ensurePath(path.Dir(p)); err != nil {
		return err
	}
	_, err = s.conn.Create(p, nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return errors.Wrapf(err, "create %s", p)
	}
	return nil
}

func (s *ZKStore) markWatched(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watched[p] {
		return false
	}
	s.watched[p] = true
	return true
}

func (s *ZKStore) unmarkWatched(p string) {
	s.mu.Lock()
	delete(s.watched, p)
	s.mu.Unlock()
}

func emit(ctx context.Context, out chan<- Event, event Event) {
	select {
	case out <- event:
	case <-ctx.Done():
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
