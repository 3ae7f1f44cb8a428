package stream

import "html/template"

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>LEDVision</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { background: #111; color: #eee; font-family: sans-serif; margin: 0; padding: 16px; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(420px, 1fr)); gap: 16px; }
        .panel { background: #1c1c1c; border-radius: 6px; padding: 12px; }
        .panel img { width: 100%; height: auto; display: block; background: #000; }
        .meta { font-size: 12px; color: #9a9a9a; margin-top: 6px; }
        pre { font-size: 12px; max-height: 240px; overflow: auto; }
    </style>
</head>
<body>
    <h1>LEDVision</h1>
    <div class="grid">
    {{- range .}}
        <div class="panel">
            <h2>{{with .Status}}{{.Name}}{{end}}</h2>
            <img src="/stream?camera={{.ID}}" alt="Camera {{.ID}}">
            <div class="meta" id="meta-{{.ID}}">waiting for status...</div>
        </div>
    {{- end}}
    </div>
    <h2>Detections</h2>
    <pre id="events"></pre>
    <script>
        const status = new EventSource('/api/status/stream');
        status.onmessage = (e) => {
            const s = JSON.parse(e.data);
            for (const cam of s.cameras) {
                const el = document.getElementById('meta-' + cam.id);
                if (!el) continue;
                const session = cam.session_id === null ? 'none' : cam.session_id;
                el.textContent = 'phase ' + cam.phase + ' | tags ' + cam.tags +
                    ' | ml ' + cam.detections + ' | session ' + session +
                    (cam.paused ? ' | paused' : '');
            }
        };
        const events = new EventSource('/api/detections/stream');
        const log = document.getElementById('events');
        events.onmessage = (e) => {
            log.textContent = (e.data + '\n' + log.textContent).slice(0, 8000);
        };
    </script>
</body>
</html>
`))
