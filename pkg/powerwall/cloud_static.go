package powerwall

import "encoding/json"

// staticPayloads answers the gateway paths whose content is fixed hardware
// or installer state the owner API simply does not carry. The shapes mirror
// what a real gateway reports so dashboards keep rendering.
var staticPayloads = map[string]json.RawMessage{
	"/api/auth/toggle/supported": json.RawMessage(`{"toggle_auth_supported":true}`),

	"/api/sitemaster": json.RawMessage(`{"status":"StatusUp","running":true,"connected_to_tesla":true,` +
		`"power_supply_mode":false,"can_reboot":"Yes"}`),

	"/api/customer/registration": json.RawMessage(`{"privacy_notice":null,"limited_warranty":null,` +
		`"grid_services":null,"marketing":null,"registered":true,"timed_out_registration":false}`),

	"/api/system/update/status": json.RawMessage(`{"state":"/update_succeeded",` +
		`"info":{"status":["nonactionable"]},"current_time":1702756114429,"last_status_time":1702753309227,` +
		`"version":"23.28.2 27626f98","offline_updating":false,"offline_update_error":"",` +
		`"estimated_bytes_per_second":null}`),

	"/api/system_status/grid_faults": json.RawMessage(`[]`),

	"/api/solars": json.RawMessage(`[{"brand":"Tesla","model":"Solar Inverter 7.6","power_rating_watts":7600}]`),

	"/api/solars/brands": solarsBrands,

	"/api/customer": json.RawMessage(`{"registered":true}`),

	"/api/meters": json.RawMessage(`[{"serial":"VAH1234AB1234","short_id":"73533","type":"neurio_w2_tcp",` +
		`"connected":true,"cts":[{"type":"solarRGM","valid":[true,false,false,false],` +
		`"inverted":[false,false,false,false],"real_power_scale_factor":2}],"ip_address":"PWRview-73533",` +
		`"mac":"01-23-45-56-78-90"},{"serial":"JBL12345Y1F012","short_id":"1232100-00-E--TG123456789A4G",` +
		`"type":"synchrometer_x","cts":[{"type":"site","valid":[true,true,false,false],` +
		`"inverted":[false,false,false,false]}]}]`),

	"/api/meters/site": json.RawMessage(`[{"id":0,"location":"site","type":"synchrometer_x",` +
		`"cts":[true,true,false,false],"inverted":[false,false,false,false],` +
		`"connection":{"short_id":"1232100-00-E--TG123456789A4G","device_serial":"JBL12345Y1F012",` +
		`"https_conf":{}}}]`),

	"/api/installer": json.RawMessage(`{"company":"Tesla","customer_id":"","phone":"","email":"",` +
		`"location":"","mounting":"","wiring":"","backup_configuration":"Whole Home",` +
		`"solar_installation":"New","solar_installation_type":"PV Panel","run_sitemaster":true,` +
		`"verified_config":true,"installation_types":["Residential"]}`),

	"/api/networks": json.RawMessage(`[{"network_name":"ethernet_tcp","interface":"EthType",` +
		`"enabled":true,"dhcp":true,"extra_ips":[{"ip":"192.168.90.2","netmask":24}],"active":true,` +
		`"primary":true,"lastTeslaConnected":true,"lastInternetConnected":true,` +
		`"iface_network_info":{"network_name":"ethernet_tcp","ip_networks":[{"IP":"","Mask":"////AA=="}],` +
		`"gateway":"","interface":"EthType","state":"DeviceStateReady","state_reason":"DeviceStateReasonNone",` +
		`"signal_strength":0,"hw_address":""}},{"network_name":"gsm","interface":"GsmType","enabled":true,` +
		`"dhcp":null,"active":true,"primary":false,"lastTeslaConnected":false,"lastInternetConnected":false,` +
		`"iface_network_info":{"network_name":"gsm","ip_networks":[{"IP":"","Mask":"/////w=="}],"gateway":"",` +
		`"interface":"GsmType","state":"DeviceStateReady","state_reason":"DeviceStateReasonNone",` +
		`"signal_strength":71,"hw_address":""}}]`),

	"/api/powerwalls": json.RawMessage(`{"enumerating":false,"updating":false,` +
		`"checking_if_offgrid":false,"running_phase_detection":false,` +
		`"phase_detection_last_error":"no phase information","bubble_shedding":false,` +
		`"on_grid_check_error":"on grid check not run","grid_qualifying":false,` +
		`"grid_code_validating":false,"phase_detection_not_available":true,` +
		`"powerwalls":[{"Type":"","PackagePartNumber":"2012170-25-E","PackageSerialNumber":"TG0123456789AB",` +
		`"type":"SolarPowerwall","grid_state":"Grid_Uncompliant","grid_reconnection_time_seconds":0,` +
		`"under_phase_detection":false,"updating":false,"commissioning_diagnostic":{"name":"Commissioning",` +
		`"category":"InternalComms","disruptive":false,"inputs":null,"checks":[{"name":"CAN connectivity",` +
		`"status":"fail","start_time":"2023-12-16T08:34:17.3068631-08:00",` +
		`"end_time":"2023-12-16T08:34:17.3068696-08:00","message":"Cannot perform this action with site ` +
		`controller connected: site controller online and NOT in the needed state to run this check, ` +
		`wanted state CommissioningState_Idle.","results":{},"debug":{}}]},` +
		`"update_diagnostic":{"name":"Firmware Update","category":"InternalComms","disruptive":true,` +
		`"inputs":null,"checks":[{"name":"Powerwall firmware","status":"not_run","start_time":null,` +
		`"end_time":null,"progress":0,"results":null,"debug":null,"checks":null}]},` +
		`"bc_type":null,"in_config":true}],"gateway_din":"1232100-00-E--TG123456789A4G",` +
		`"sync":{"updating":false,"commissioning_diagnostic":{"name":"Commissioning",` +
		`"category":"InternalComms","disruptive":false,"inputs":null,"checks":[{"name":"CAN connectivity",` +
		`"status":"fail","start_time":"2023-12-16T08:34:17.3068631-08:00",` +
		`"end_time":"2023-12-16T08:34:17.3068696-08:00","message":"Cannot perform this action with site ` +
		`controller connected.","results":{},"debug":{}}]},"update_diagnostic":{"name":"Firmware Update",` +
		`"category":"InternalComms","disruptive":true,"inputs":null,"checks":[{"name":"Synchronizer firmware",` +
		`"status":"not_run","start_time":null,"end_time":null,"progress":0,"results":null,"debug":null,` +
		`"checks":null}]}},"msa":null,"states":null}`),

	"/api/synchrometer/ct_voltage_references": json.RawMessage(`{"ct1":"Phase1","ct2":"Phase2","ct3":"Phase1"}`),

	"/api/troubleshooting/problems": json.RawMessage(`{"problems":[]}`),

	"/api/solar_powerwall": json.RawMessage(`{}`),
}

var solarsBrands = json.RawMessage(`["ABB","Ablerex Electronics","Advanced Energy Industries",` +
	`"Advanced Solar Photonics","AE Solar Energy","AEconversion GmbH","AEG Power Solutions",` +
	`"Aero-Sharp","Afore New Energy Technology Shanghai Co","Agepower Limit","Alpha ESS Co",` +
	`"Alpha Technologies","Altenergy Power System","American Electric Technologies","AMETEK Solidstate",` +
	`"Andalay Solar","Apparent","APS America","Beacon Power","Bosch","Canadian Solar","Carlo Gavazzi",` +
	`"Chilicon Power","Chint Power Systems America","Concept by US","Darfon Electronics","Delta Energy",` +
	`"Destin Power","Diehl AKO Stiftung","Direct Grid Technologies","Dow Chemical","DYNAPOWER COMPANY",` +
	`"E-Village Solar","EAST GROUP CO LTD","Eaton","Eguana Technologies","Elettronica Santerno",` +
	`"Eltek","Emerson Network Power","Enecsys","Energy Storage Australia Pty","EnluxSolar","Enphase",` +
	`"Fronius","GAF","General Electric","Generac Power Systems","Gefran","Geoprotek","Global Mainstream",` +
	`"Green Power Technologies","GreenVolts","GridPoint","Growatt","Gsmart Ningbo Energy Storage",` +
	`"Guangzhou Sanjing Electric Co","Hangzhou Sunny Energy Science","Hansol Technics","Hanwha Q CELLS",` +
	`"Heart Transverter","Helios","HiQ Solar","HiSEL Power","Home Director","Hoymiles Converter Technology",` +
	`"Huawei Technologies","HUAWEI TECHNOLOGIES CO LTD","Hyosung","i-Energy Corporation","Ideal Power",` +
	`"IMEON ENERGY","Ingeteam","Involar","INVOLAR","INVT Solar Technology Shenzhen Co","iPower",` +
	`"IST Energy","Italcoel S.r.l.","Jema Energy SA","Jiangsu GoodWe Power Supply Technology Co",` +
	`"JFY","Jinko Solar","KACO","Kehua Hengsheng Co","Kostal Solar Electric","LeadSolar Energy",` +
	`"Leatec Fine Ceramics","LG Electronics","Lixma Tech","Mage Solar","Magnetek","Mariah Power",` +
	`"MidNite Solar","Midpoint Power","MIL-Systems","Mitsubishi Heavy Industries","Morningstar",` +
	`"Motech Industries","NeoVolta","Nextronex Energy Systems","Nidec ASI","Northern Electric",` +
	`"ONE SUN MEXICO","Open Energy","OutBack Power Technologies","Panasonic","Perfect Galaxy",` +
	`"Petra Solar","Petra Systems","Phoenixtec Power","Phono Solar Technology","Pika Energy",` +
	`"Power Electronics","Power-One","Powercom","PowerWave Energy Pty","Princeton Power Systems",` +
	`"PurePower","Renac Power Technology Co","REFU Elektronik","RenESola Zhejiang","ReneSola",` +
	`"Renesola Zhejiang Ltd","Rhombus Energy Solutions","Sainty Solar","Samil Power","SanRex",` +
	`"Santerno","Satcon Technology","Schneider","Schuco USA","Selectronic Australia","Senec GmbH",` +
	`"Shenzhen BYD","Shenzhen Growatt","Shenzhen INVT Electric Co","Shenzhen Litto","Shenzhen Sinexcel",` +
	`"Siemens Industry","Silicon Energy","SMA","Sol-Ark","SolarBridge Technologies","SolarCity",` +
	`"SolarEdge Technologies","SolarMax","Solar Power","Solectria Renewables","Solis","Sonnen GmbH",` +
	`"SolaX Power Co","SouthWest Windpower","Sparq Systems","SPR","Sputnik Engineering","Stealth Energy",` +
	`"Sungrow Power Supply","SunPower","Sunrise Solartech Co","Suntech Power","SunVault Energy",` +
	`"Sustainable Energy Technologies","Sustainable Solar Services","Tabuchi Electric","Tesla",` +
	`"TMEIC","Trannergy","Trina Energy Storage Solutions Jiangsu","Trina Solar Co","Ubiquiti Networks",` +
	`"Valta Energy","Vaulta","VARTA","Vision Mechatronics","Westinghouse Solar","Windterra Systems",` +
	`"Xantrex Technology","Xslent Energy Technologies","Yaskawa Solectria Solar","Zhongli Talesun Solar",` +
	`"ZIGOR","Other"]`)
