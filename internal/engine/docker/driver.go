package docker

// driverSource is the interpreter loop that runs as PID 1 inside every
// engine container. It reads one JSON frame per line on stdin, executes
// against a namespace that lives for the whole process, and writes exactly
// one JSON frame per request on stdout. Captured output and tracebacks are
// clipped so a runaway print loop cannot blow up the response frame.
//
// The loop catches BaseException, not Exception: submitted code calling
// exit() or raising KeyboardInterrupt must not take the driver down.
const driverSource = `
import ast
import io
import json
import os
import sys
import traceback

OUT_LIMIT = 64 * 1024
TB_LIMIT = 16

real_stdout = sys.stdout
ns = {"__name__": "__main__", "__builtins__": __builtins__}


def reply(obj):
    real_stdout.write(json.dumps(obj) + "\n")
    real_stdout.flush()


def clip(s):
    if len(s) > OUT_LIMIT:
        return s[:OUT_LIMIT] + "\n...output truncated...\n"
    return s


def run_fragment(code):
    buf_out, buf_err = io.StringIO(), io.StringIO()
    sys.stdout, sys.stderr = buf_out, buf_err
    status, value, fault = "ok", None, None
    try:
        tree = ast.parse(code, "<session>", "exec")
        trailing = None
        if tree.body and isinstance(tree.body[-1], ast.Expr):
            trailing = ast.Expression(tree.body.pop().value)
        exec(compile(tree, "<session>", "exec"), ns)
        if trailing is not None:
            result = eval(compile(trailing, "<session>", "eval"), ns)
            if result is not None:
                value = repr(result)
    except BaseException as e:
        status = "fault"
        tb = "".join(traceback.format_exception(type(e), e, e.__traceback__, limit=TB_LIMIT))
        fault = {"kind": type(e).__name__, "message": str(e), "traceback": clip(tb)}
    finally:
        sys.stdout, sys.stderr = real_stdout, sys.__stderr__
    resp = {"status": status, "stdout": clip(buf_out.getvalue()), "stderr": clip(buf_err.getvalue())}
    if value is not None:
        resp["value"] = value
    if fault is not None:
        resp["fault"] = fault
    return resp


def list_dir(d):
    entries = []
    for name in sorted(os.listdir(d)):
        p = os.path.join(d, name)
        size = os.path.getsize(p) if os.path.isfile(p) else 0
        entries.append({"name": name, "size": size, "isDir": os.path.isdir(p)})
    return entries


for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    try:
        req = json.loads(line)
    except ValueError:
        reply({"status": "fault", "fault": {"kind": "ProtocolError", "message": "malformed frame"}})
        continue
    op = req.get("op", "exec")
    if op == "exec":
        reply(run_fragment(req.get("code", "")))
    elif op == "vars":
        reply({"status": "ok", "vars": sorted(k for k in ns if not k.startswith("__"))})
    elif op == "get":
        name = req.get("name", "")
        if name in ns:
            reply({"status": "ok", "value": repr(ns[name])})
        else:
            reply({"status": "fault", "fault": {"kind": "NameError", "message": "name %r is not defined" % name}})
    elif op == "list":
        try:
            reply({"status": "ok", "files": list_dir(req.get("dir") or ".")})
        except OSError as e:
            reply({"status": "fault", "fault": {"kind": type(e).__name__, "message": str(e)}})
    else:
        reply({"status": "fault", "fault": {"kind": "ProtocolError", "message": "unknown op %r" % op}})
`
