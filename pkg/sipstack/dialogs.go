package sipstack

import (
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_client/pkg/signaling"
)

// dialogCtx - учетная запись одного диалога (или одиночной вне-диалоговой
// цепочки запросов) по Call-ID: теги, счетчик CSeq, remote target и
// исходный INVITE для построения ACK/CANCEL.
type dialogCtx struct {
	id    string
	state signaling.DialogState

	localTag  string
	remoteTag string
	localSeq  uint32

	// localURI и remoteURI - адреса From/To с точки зрения нашей стороны
	localURI  sip.Uri
	remoteURI sip.Uri

	remoteTarget sip.Uri
	invite       *sip.Request
	routeSet     []sip.Uri
}

func (d *dialogCtx) nextSeq() uint32 {
	d.localSeq++
	return d.localSeq
}

// dialogTable - потокобезопасная карта диалогов. В отличие от реестра job
// ядра, сюда пишут и горутины sipgo, и воркер, поэтому мьютекс обязателен.
type dialogTable struct {
	mu      sync.Mutex
	dialogs map[string]*dialogCtx
}

func newDialogTable() *dialogTable {
	return &dialogTable{dialogs: make(map[string]*dialogCtx)}
}

func (t *dialogTable) get(id string) (*dialogCtx, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.dialogs[id]
	return d, ok
}

func (t *dialogTable) put(d *dialogCtx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialogs[d.id] = d
}

func (t *dialogTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dialogs, id)
}

func (t *dialogTable) state(id string) signaling.DialogState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.dialogs[id]; ok {
		return d.state
	}
	return signaling.DialogNone
}

func (t *dialogTable) setState(id string, st signaling.DialogState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.dialogs[id]; ok {
		d.state = st
	}
}

// update выполняет f над диалогом под мьютексом таблицы
func (t *dialogTable) update(id string, f func(*dialogCtx)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.dialogs[id]
	if !ok {
		return false
	}
	f(d)
	return true
}

// clear снимает все диалоги; вызывается при Release
func (t *dialogTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialogs = make(map[string]*dialogCtx)
}
