package channels

import (
	"html/template"
	"net/http"

	"github.com/marlabs/askbot/pkg/logger"
)

type loginPage struct {
	Title string
	Error string
}

type chatPage struct {
	Title            string
	Subtitle         string
	Placeholder      string
	ExampleQuestions []string
}

func (c *WebChatChannel) renderLogin(w http.ResponseWriter, errMsg string) {
	c.render(w, loginTmpl, loginPage{Title: c.widget.Title, Error: errMsg})
}

func (c *WebChatChannel) renderChat(w http.ResponseWriter) {
	c.render(w, chatTmpl, chatPage{
		Title:            c.widget.Title,
		Subtitle:         c.widget.Subtitle,
		Placeholder:      c.widget.Placeholder,
		ExampleQuestions: c.widget.ExampleQuestions,
	})
}

func (c *WebChatChannel) render(w http.ResponseWriter, t *template.Template, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.Execute(w, data); err != nil {
		logger.ErrorCF("webchat", "Failed to render page", map[string]interface{}{
			"page":  t.Name(),
			"error": err.Error(),
		})
	}
}

const pageStyle = `
:root{
  --bg:#f5f6fa;--panel:#ffffff;--border:#e2e4ec;--accent:#0b5cab;--accent-hover:#094a8a;
  --text:#1f2430;--muted:#6b7280;--user:#0b5cab;--bot:#f0f2f7;--error:#b42318;--error-bg:#fef3f2;
}
*{box-sizing:border-box;margin:0;padding:0}
html,body{height:100%}
body{font-family:system-ui,-apple-system,sans-serif;background:var(--bg);color:var(--text);-webkit-font-smoothing:antialiased}
`

var loginTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>{{.Title}} - Login</title>
<style>` + pageStyle + `
body{display:flex;align-items:center;justify-content:center}
.login-card{width:100%;max-width:360px;padding:36px 28px;background:var(--panel);border:1px solid var(--border);border-radius:14px}
.login-card h1{font-size:20px;text-align:center;margin-bottom:24px}
.login-error{padding:10px 14px;margin-bottom:16px;background:var(--error-bg);border-radius:8px;font-size:13px;color:var(--error)}
.field{margin-bottom:14px}
.field label{display:block;font-size:13px;color:var(--muted);margin-bottom:6px}
.field input{width:100%;padding:10px 12px;border:1px solid var(--border);border-radius:8px;font:inherit}
.login-btn{width:100%;padding:11px;margin-top:6px;background:var(--accent);color:#fff;border:none;border-radius:8px;font:inherit;font-weight:600;cursor:pointer}
.login-btn:hover{background:var(--accent-hover)}
</style>
</head>
<body>
<form class="login-card" method="POST" action="/login">
  <h1>{{.Title}}</h1>
  {{if .Error}}<div class="login-error">{{.Error}}</div>{{end}}
  <div class="field"><label for="username">Username</label><input id="username" name="username" type="text" autocomplete="username" required autofocus></div>
  <div class="field"><label for="password">Password</label><input id="password" name="password" type="password" autocomplete="current-password" required></div>
  <button class="login-btn" type="submit">Sign in</button>
</form>
</body>
</html>`))

// The bot HTML arrives already formatted by the gateway and is inserted as-is.
var chatTmpl = template.Must(template.New("chat").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>{{.Title}}</title>
<style>` + pageStyle + `
.app{display:flex;flex-direction:column;height:100%;max-width:760px;margin:0 auto;background:var(--panel);border-left:1px solid var(--border);border-right:1px solid var(--border)}
header{padding:18px 22px;border-bottom:1px solid var(--border)}
header h1{font-size:18px}
header p{font-size:13px;color:var(--muted);margin-top:2px}
#messages{flex:1;overflow-y:auto;padding:20px 22px;display:flex;flex-direction:column;gap:12px}
.examples{display:flex;flex-wrap:wrap;gap:8px}
.examples button{padding:8px 12px;border:1px solid var(--border);border-radius:16px;background:var(--panel);font:inherit;font-size:13px;cursor:pointer}
.examples button:hover{border-color:var(--accent);color:var(--accent)}
.msg{max-width:85%;padding:10px 14px;border-radius:12px;font-size:14px;line-height:1.5}
.msg.user{align-self:flex-end;background:var(--user);color:#fff;white-space:pre-wrap}
.msg.bot{align-self:flex-start;background:var(--bot)}
.msg.bot ul{padding-left:18px}
.msg.bot h2{font-size:15px;margin:6px 0}
.msg .meta{font-size:11px;color:var(--muted);margin-top:4px}
.msg.user .meta{color:rgba(255,255,255,.7)}
.reference-link{color:var(--accent);text-decoration:none;font-size:12px;vertical-align:super}
.sources{margin-top:8px;padding-top:6px;border-top:1px solid var(--border);font-size:12px}
.sources a{color:var(--accent);text-decoration:none}
.sources li{list-style:none}
.typing{align-self:flex-start;display:flex;gap:4px;padding:12px 14px;background:var(--bot);border-radius:12px}
.typing span{width:7px;height:7px;border-radius:50%;background:var(--muted);animation:blink 1.2s infinite}
.typing span:nth-child(2){animation-delay:.2s}
.typing span:nth-child(3){animation-delay:.4s}
@keyframes blink{0%,80%,100%{opacity:.25}40%{opacity:1}}
.error-view{flex:1;display:flex;flex-direction:column;align-items:center;justify-content:center;padding:32px;text-align:center;color:var(--error)}
.error-view p{margin-top:8px;font-size:14px;background:var(--error-bg);padding:10px 14px;border-radius:8px}
form{display:flex;gap:8px;padding:14px 22px;border-top:1px solid var(--border)}
form input{flex:1;padding:10px 12px;border:1px solid var(--border);border-radius:8px;font:inherit}
form button{padding:10px 16px;background:var(--accent);color:#fff;border:none;border-radius:8px;font:inherit;cursor:pointer}
form button:disabled{opacity:.5;cursor:default}
</style>
</head>
<body>
<div class="app" id="app">
  <header><h1>{{.Title}}</h1><p>{{.Subtitle}}</p></header>
  <div id="messages">
    <div class="examples" id="examples">
      {{range .ExampleQuestions}}<button type="button" data-q="{{.}}">{{.}}</button>{{end}}
    </div>
  </div>
  <form id="composer">
    <input id="input" type="text" placeholder="{{.Placeholder}}" autocomplete="off">
    <button id="send" type="submit">Send</button>
  </form>
</div>
<script>
const chatId=sessionStorage.getItem("askbot_chat")||crypto.randomUUID();
sessionStorage.setItem("askbot_chat",chatId);
const app=document.getElementById("app"),list=document.getElementById("messages");
const input=document.getElementById("input"),sendBtn=document.getElementById("send");
let loading=false,failed=false;

function esc(s){return s.replace(/&/g,"&amp;").replace(/</g,"&lt;").replace(/>/g,"&gt;").replace(/"/g,"&quot;")}
function scroll(){list.scrollTop=list.scrollHeight}
function hideExamples(){const e=document.getElementById("examples");if(e)e.remove()}

function addUser(text,time){
  const d=document.createElement("div");d.className="msg user";
  d.innerHTML=esc(text)+'<div class="meta">'+esc(time||"")+'</div>';
  list.appendChild(d);scroll();
}
function addBot(html,sources,from,time){
  const n=list.querySelectorAll(".msg.bot").length;
  const d=document.createElement("div");d.className="msg bot";d.id="bot-"+n;
  let src="";
  if(sources&&sources.length){
    src='<ul class="sources">'+sources.map(s=>'<li id="src-'+n+'-'+s.index+'">['+s.index+'] <a href="'+esc(s.url)+'" target="_blank">'+esc(s.label)+'</a></li>').join("")+'</ul>';
  }
  d.innerHTML=html+src+'<div class="meta">'+esc(from||"")+' '+esc(time||"")+'</div>';
  list.appendChild(d);scroll();
}
function showTyping(){const t=document.createElement("div");t.className="typing";t.id="typing";t.innerHTML="<span></span><span></span><span></span>";list.appendChild(t);scroll()}
function hideTyping(){const t=document.getElementById("typing");if(t)t.remove()}
function showError(msg){
  failed=true;
  app.innerHTML='<header><h1>{{.Title}}</h1></header><div class="error-view"><strong>Something went wrong</strong><p>'+esc(msg)+'</p></div>';
}
function setLoading(v){loading=v;sendBtn.disabled=v;if(v)showTyping();else hideTyping()}

// shown counts the server-side messages already on screen; every later one
// (follow-up bot replies included) is rendered by sync.
let shown=0,syncing=false,again=false;

function render(m){
  if(m.role==="user")addUser(m.text,m.time);
  else{hideTyping();addBot(m.text,m.sources,m.from,m.time)}
}

async function sync(){
  if(failed)return;
  if(syncing){again=true;return}
  syncing=true;
  try{
    const r=await fetch("/chat/poll?chat_id="+encodeURIComponent(chatId));
    if(!r.ok)return;
    const s=await r.json();
    if(s.error){showError(s.error);return}
    if(s.messages.length)hideExamples();
    for(const m of s.messages.slice(shown))render(m);
    shown=Math.max(shown,s.messages.length);
    if(s.loading&&!document.getElementById("typing"))showTyping();
  }catch(e){
  }finally{
    syncing=false;
    if(again){again=false;sync()}
  }
}

async function send(text){
  if(failed||loading||!text.trim())return;
  hideExamples();
  addUser(text,new Date().toTimeString().slice(0,8));
  shown++;
  input.value="";
  setLoading(true);
  try{
    const r=await fetch("/chat/send",{method:"POST",headers:{"Content-Type":"application/json"},body:JSON.stringify({chat_id:chatId,message:text})});
    const body=await r.json();
    setLoading(false);
    if(!r.ok){showError(body.error||r.statusText);return}
    await sync();
  }catch(e){setLoading(false);showError(String(e))}
}

document.getElementById("composer").addEventListener("submit",e=>{e.preventDefault();send(input.value)});
document.querySelectorAll("#examples button").forEach(b=>b.addEventListener("click",()=>send(b.dataset.q)));
sync();
setInterval(sync,2000);
</script>
</body>
</html>`))
