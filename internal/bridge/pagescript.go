package bridge

import "encoding/json"

// BindingName is the CDP receive binding the injected script calls to relay
// page messages up to the controller.
const BindingName = "__webmcpRelay"

// markerName is the window-global capability object installed by the
// injected script. Its presence is how liveness probes distinguish an SPA
// route change from a full navigation.
const markerName = "__webmcpBridge"

const bridgeVersion = "1"

// Every eval returns a JSON envelope: {ok, data, error_code, error_message}.
type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func buildIIFE(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}

// jsProbeRegistry reports whether the page exposes an in-page tool registry.
func jsProbeRegistry() string {
	return buildIIFE(`
var found = !!(navigator.modelContext || window.modelContext);
return JSON.stringify({ok:true,data:{found:found}});`)
}

// jsInjectBridge installs the capability object and the message relay.
// Idempotent: a second injection leaves the existing bridge in place and
// reports already_injected.
func jsInjectBridge() string {
	return buildIIFE(`
if (window.` + markerName + `) {
  return JSON.stringify({ok:true,data:{already_injected:true}});
}
var relay = window.` + BindingName + `;
if (typeof relay !== "function") {
  return JSON.stringify({ok:false,error_code:"` + CodeBridgeNotFound + `",error_message:"receive binding not installed"});
}
function onMessage(evt) {
  var d = evt && evt.data;
  if (!d || d.channel !== "mcp-default" || d.type !== "mcp") return;
  if (d.direction !== "server-to-client") return;
  try { relay(JSON.stringify(d)); } catch (_) {}
}
window.addEventListener("message", onMessage);
window.` + markerName + ` = {
  version: "` + bridgeVersion + `",
  toServer: function(payload) {
    window.postMessage({channel:"mcp-default",type:"mcp",direction:"client-to-server",payload:payload}, "*");
  },
  checkReady: function() {
    window.postMessage({channel:"mcp-default",type:"mcp",direction:"client-to-server",payload:"mcp-check-ready"}, "*");
  },
  dispose: function() {
    window.removeEventListener("message", onMessage);
    delete window.` + markerName + `;
  }
};
return JSON.stringify({ok:true,data:{already_injected:false}});`)
}

// jsCheckReady asks the page-side server whether it is up. The answer comes
// back asynchronously through the relay as the mcp-server-ready sentinel.
func jsCheckReady() string {
	return buildIIFE(`
var b = window.` + markerName + `;
if (!b) {
  return JSON.stringify({ok:false,error_code:"` + CodeBridgeNotFound + `",error_message:"bridge marker missing"});
}
b.checkReady();
return JSON.stringify({ok:true});`)
}

// jsSendToServer relays one serialized payload into the page. payloadJSON
// must already be a JSON string literal.
func jsSendToServer(payloadJSON string) string {
	return buildIIFE(`
var b = window.` + markerName + `;
if (!b) {
  return JSON.stringify({ok:false,error_code:"` + CodeBridgeNotFound + `",error_message:"bridge marker missing"});
}
b.toServer(` + payloadJSON + `);
return JSON.stringify({ok:true});`)
}

// jsProbeMarker reports whether the injected capability object survived.
func jsProbeMarker() string {
	return buildIIFE(`
return JSON.stringify({ok:true,data:{present:!!window.` + markerName + `}});`)
}

// jsDispose removes the injected capability object. Best-effort; the page
// may already be gone when this runs.
func jsDispose() string {
	return buildIIFE(`
var b = window.` + markerName + `;
if (b && typeof b.dispose === "function") { b.dispose(); }
return JSON.stringify({ok:true});`)
}
