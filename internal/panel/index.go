package panel

import "net/http"

// handleIndex serves the single-page panel UI. It talks to the JSON API
// and the per-tab websocket; all state lives server-side.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>TCP Relay Panel</title>
<style>
  body { font-family: sans-serif; margin: 1rem; background: #111; color: #ddd; }
  fieldset { border: 1px solid #444; margin-bottom: 1rem; }
  input, select, button { margin: 2px; background: #222; color: #ddd; border: 1px solid #555; }
  .tab { border: 1px solid #444; padding: .5rem; margin-bottom: .5rem; }
  .on { color: #6c6; } .off { color: #c66; }
  pre { background: #000; max-height: 14rem; overflow-y: auto; padding: .3rem; }
</style>
</head>
<body>
<h2>TCP Relay Panel</h2>
<fieldset>
  <legend>New tab</legend>
  <input id="src_host" placeholder="src host" value="127.0.0.1">
  <input id="src_port" placeholder="src port" size="5" value="4001">
  <input id="dst_host" placeholder="dst host" value="0.0.0.0">
  <input id="dst_port" placeholder="dst port" size="5" value="5000">
  <select id="mode">
    <option>connect-listen</option><option>listen-connect</option>
    <option>connect-connect</option><option>listen-listen</option>
  </select>
  <label><input type="checkbox" id="dump"> dump</label>
  <input id="retry" size="3" value="5" title="retry seconds">
  <button onclick="addTab()">Add</button>
</fieldset>
<div id="tabs"></div>
<script>
async function api(path, method, body) {
  const res = await fetch(path, {method: method || 'GET',
    body: body ? JSON.stringify(body) : undefined});
  if (!res.ok) { alert(await res.text()); throw new Error(res.status); }
  return res.status === 204 ? null : res.json();
}
function addTab() {
  api('/api/tabs', 'POST', {
    src_host: el('src_host').value, src_port: el('src_port').value,
    dst_host: el('dst_host').value, dst_port: el('dst_port').value,
    mode: el('mode').value, dump: el('dump').checked, retry: el('retry').value,
  }).then(refresh);
}
function el(id) { return document.getElementById(id); }
function statusLine(t) {
  const up = t.status.upstream ? '<span class="on">up</span>' : '<span class="off">down</span>';
  const dn = t.status.downstream ? '<span class="on">up</span>' : '<span class="off">down</span>';
  return 'upstream: ' + up + ' | downstream: ' + dn +
    ' | clients: ' + t.status.clients + ' [' + (t.status.peers || []).join(', ') + ']';
}
async function refresh() {
  const tabs = await api('/api/tabs');
  const root = el('tabs');
  root.innerHTML = '';
  for (const t of tabs) {
    const d = document.createElement('div');
    d.className = 'tab';
    d.innerHTML = '<b>' + t.config.src_host + ':' + t.config.src_port + ' → ' +
      t.config.dst_host + ':' + t.config.dst_port + '</b> (' + t.config.mode + ') ' +
      '<button onclick="api(\'/api/tabs/' + t.id + '/start\', \'POST\').then(refresh)">Start</button>' +
      '<button onclick="api(\'/api/tabs/' + t.id + '/stop\', \'POST\').then(refresh)">Stop</button>' +
      '<button onclick="api(\'/api/tabs/' + t.id + '\', \'DELETE\').then(refresh)">Close</button>' +
      '<label><input type="checkbox" onchange="api(\'/api/tabs/' + t.id +
      '/dump\', \'POST\', {dump: this.checked})"' + (t.config.dump ? ' checked' : '') + '> dump</label>' +
      '<div id="st-' + t.id + '">' + statusLine(t) + '</div>' +
      '<pre id="log-' + t.id + '"></pre>';
    root.appendChild(d);
    watch(t.id);
  }
}
function watch(id) {
  const ws = new WebSocket('ws://' + location.host + '/ws?tab=' + id);
  const log = el('log-' + id);
  ws.onmessage = (msg) => {
    const ev = JSON.parse(msg.data);
    if (ev.kind === 'log') {
      log.textContent += ev.line + '\n';
      log.scrollTop = log.scrollHeight;
    } else {
      api('/api/tabs/' + id).then((t) => { el('st-' + id).innerHTML = statusLine(t); });
    }
  };
}
refresh();
</script>
</body>
</html>
`
